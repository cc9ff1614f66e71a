package shell

import (
	"context"
	"errors"

	"github.com/abiosoft/ishell"

	"github.com/DolicaAkelloEgwel/syringeposter/logger"
	"github.com/DolicaAkelloEgwel/syringeposter/microlab"
)

// console is the part of the ishell context the command actions print
// through. Tests substitute a buffer for it.
type console interface {
	Println(val ...interface{})
	Printf(format string, val ...interface{})
}

// action is the body of one console command. Arguments arrive already
// split, and a returned error is printed on the console without ending
// the session.
type action func(ctx context.Context, out console, args []string) error

// Shell is an interactive operator console bound to a pump controller.
type Shell struct {
	pump *microlab.Microlab
	sh   *ishell.Shell
	log  logger.Logger
}

// Option configures a Shell.
type Option interface {
	apply(*Shell) error
}

type optFunc func(*Shell) error

func (f optFunc) apply(s *Shell) error { return f(s) }

// WithLogger sets the logger for the console's own operations.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(s *Shell) error {
		if l == nil {
			return errors.New("shell: logger is nil")
		}
		s.log = l
		return nil
	})
}

// New creates an operator console driving the given pump.
func New(pump *microlab.Microlab, opts ...Option) (*Shell, error) {
	if pump == nil {
		return nil, errors.New("shell: pump is nil")
	}

	s := &Shell{
		pump: pump,
		log:  logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(s); err != nil {
			return nil, err
		}
	}

	s.sh = ishell.New()
	s.sh.SetPrompt("microlab> ")
	s.bind()

	return s, nil
}

// Run prints the banner and services operator input until the session
// ends, blocking the caller for the duration.
func (s *Shell) Run() {
	s.sh.Println("Microlab 600 operator console")
	s.sh.Println("Type 'help' for the command list, 'exit' to leave.")
	s.sh.Run()
}

// Stop ends a running session.
func (s *Shell) Stop() {
	s.sh.Stop()
}

func (s *Shell) bind() {
	run := func(fn action) func(*ishell.Context) {
		return func(c *ishell.Context) {
			if err := fn(context.Background(), c, c.Args); err != nil {
				c.Err(err)
			}
		}
	}
	sides := func([]string) []string { return []string{"left", "right"} }

	for _, cmd := range []*ishell.Cmd{
		{Name: "status", Help: "show the instrument status bytes", Func: run(s.showStatus)},
		{Name: "errors", Help: "show the per-component error report", Func: run(s.showErrors)},
		{Name: "init", Help: "initialise both syringe and valve drives", Func: run(s.initialise)},
		{Name: "halt", Help: "halt execution of buffered commands", Func: run(s.halt)},
		{Name: "resume", Help: "resume halted execution", Func: run(s.resume)},
		{Name: "clear", Help: "discard all buffered commands", Func: run(s.clear)},
		{Name: "reset", Help: "reset the instrument as if power-cycled, ending the session", Func: run(s.reset)},
		{Name: "version", Help: "show the instrument firmware version", Func: run(s.version)},
		{Name: "autoaddr", Help: "run hardware address auto-assignment", Func: run(s.autoAddress)},
		{Name: "move", Help: "move <side> <position> [speed], absolute syringe move", Func: run(s.moveSyringe), Completer: sides},
		{Name: "pickup", Help: "pickup <side> <steps> [speed], draw liquid in", Func: run(s.pickupSyringe), Completer: sides},
		{Name: "dispense", Help: "dispense <side> <steps> [speed], push liquid out", Func: run(s.dispenseSyringe), Completer: sides},
		{Name: "valve", Help: "valve <side> <in|out|wash>, switch a valve port", Func: run(s.switchValve), Completer: sides},
		{Name: "delay", Help: "delay <milliseconds>, pause buffered execution", Func: run(s.delay)},
		{Name: "params", Help: "params <side>, show the side's drive parameters", Func: run(s.showParams), Completer: sides},
		{Name: "send", Help: "send <body>, transmit a raw protocol body", Func: run(s.sendRaw)},
	} {
		s.sh.AddCmd(cmd)
	}

	cycle := &ishell.Cmd{Name: "cycle", Help: "control the equilibrium transfer cycle"}
	cycle.AddCmd(&ishell.Cmd{Name: "start", Help: "begin alternating full-stroke transfers", Func: run(s.startCycle)})
	cycle.AddCmd(&ishell.Cmd{Name: "stop", Help: "stop the cycle and clear buffered commands", Func: run(s.stopCycle)})
	s.sh.AddCmd(cycle)
}
