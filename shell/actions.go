package shell

import (
	"context"
	"fmt"
	"strings"

	"github.com/DolicaAkelloEgwel/syringeposter/command"
	"github.com/DolicaAkelloEgwel/syringeposter/microlab"
)

// Speeds for the equilibrium cycle, in seconds per full syringe stroke.
// Positioning moves and the right-to-left transfer run quick, the
// left-to-right transfer runs slow.
const (
	positioningSpeed = 4
	emptyRightSpeed  = 2
	emptyLeftSpeed   = 60
)

func (s *Shell) showStatus(ctx context.Context, out console, _ []string) error {
	idle, err := s.pump.Done.Request(ctx)
	if err != nil {
		return err
	}
	out.Printf("Instrument idle: %t\n", idle)

	timerBusy, err := s.pump.Timer.Request(ctx)
	if err != nil {
		return err
	}
	out.Printf("Timer busy: %t\n", timerBusy)

	busy, err := s.pump.BusyStatus.Request(ctx)
	if err != nil {
		return err
	}
	out.Printf("Busy byte: %#02x\n", busy)

	status, err := s.pump.Status.Request(ctx)
	if err != nil {
		return err
	}
	out.Printf("Status byte: %#02x\n", status)

	return nil
}

func (s *Shell) showErrors(ctx context.Context, out console, _ []string) error {
	syringeErr, err := s.pump.SyringeError.Request(ctx)
	if err != nil {
		return err
	}
	out.Printf("Syringe error: %t\n", syringeErr)

	valveErr, err := s.pump.ValveError.Request(ctx)
	if err != nil {
		return err
	}
	out.Printf("Valve error: %t\n", valveErr)

	errByte, err := s.pump.ErrorStatus.Request(ctx)
	if err != nil {
		return err
	}
	out.Printf("Error byte: %#02x\n", errByte)

	report, err := s.pump.Errors.Request(ctx)
	if err != nil {
		return err
	}
	for c := microlab.LeftSyringes; c <= microlab.RightValves; c++ {
		out.Printf("%s: %#02x\n", c, report[c])
	}

	return nil
}

func (s *Shell) initialise(ctx context.Context, out console, _ []string) error {
	if err := s.pump.Initialise(ctx); err != nil {
		return err
	}
	out.Println("Both drives initialised")
	return nil
}

func (s *Shell) halt(ctx context.Context, out console, _ []string) error {
	if err := s.pump.HaltExecution(ctx); err != nil {
		return err
	}
	out.Println("Execution halted")
	return nil
}

func (s *Shell) resume(ctx context.Context, out console, _ []string) error {
	if err := s.pump.ResumeExecution(ctx); err != nil {
		return err
	}
	out.Println("Execution resumed")
	return nil
}

func (s *Shell) clear(ctx context.Context, out console, _ []string) error {
	if err := s.pump.ClearBufferedCommands(ctx); err != nil {
		return err
	}
	out.Println("Buffered commands cleared")
	return nil
}

// reset requests a full instrument reset. Acceptance ends the process, so
// there is nothing to print on success.
func (s *Shell) reset(ctx context.Context, _ console, _ []string) error {
	return s.pump.TotalSystemReset(ctx)
}

func (s *Shell) version(ctx context.Context, out console, _ []string) error {
	fw, err := s.pump.FirmwareVersion(ctx)
	if err != nil {
		return err
	}
	out.Printf("Firmware version: %s\n", fw)
	return nil
}

func (s *Shell) autoAddress(ctx context.Context, out console, _ []string) error {
	if err := s.pump.AutoAddress(ctx); err != nil {
		return err
	}
	out.Printf("Instrument answering on address %q\n", s.pump.Address())
	return nil
}

func (s *Shell) moveSyringe(ctx context.Context, out console, args []string) error {
	side, steps, opts, err := parseMoveArgs(args, "move <side> <position> [speed]")
	if err != nil {
		return err
	}
	sub, err := command.NewSyringeMove(side, steps, opts...)
	if err != nil {
		return err
	}
	if err := s.send(ctx, sub); err != nil {
		return err
	}
	out.Printf("Moving %s syringe to position %d\n", side, steps)
	return nil
}

func (s *Shell) pickupSyringe(ctx context.Context, out console, args []string) error {
	side, steps, opts, err := parseMoveArgs(args, "pickup <side> <steps> [speed]")
	if err != nil {
		return err
	}
	sub, err := command.NewSyringePickup(side, steps, opts...)
	if err != nil {
		return err
	}
	if err := s.send(ctx, sub); err != nil {
		return err
	}
	out.Printf("Picking up %d steps on the %s syringe\n", steps, side)
	return nil
}

func (s *Shell) dispenseSyringe(ctx context.Context, out console, args []string) error {
	side, steps, opts, err := parseMoveArgs(args, "dispense <side> <steps> [speed]")
	if err != nil {
		return err
	}
	sub, err := command.NewSyringeDispense(side, steps, opts...)
	if err != nil {
		return err
	}
	if err := s.send(ctx, sub); err != nil {
		return err
	}
	out.Printf("Dispensing %d steps from the %s syringe\n", steps, side)
	return nil
}

func (s *Shell) switchValve(ctx context.Context, out console, args []string) error {
	if len(args) != 2 {
		return usageError("valve <side> <in|out|wash>")
	}
	side, err := parseSide(args[0])
	if err != nil {
		return err
	}

	var sub command.SubCommand
	port := strings.ToLower(args[1])
	switch port {
	case "in":
		sub = command.NewValveToDefaultInput(side)
	case "out":
		sub = command.NewValveToDefaultOutput(side)
	case "wash":
		sub = command.NewValveToWash(side)
	default:
		return fmt.Errorf("%w: unknown valve port %q, want in, out or wash", ErrUsage, args[1])
	}

	if err := s.send(ctx, sub); err != nil {
		return err
	}
	out.Printf("Moving %s valve to %s\n", side, port)
	return nil
}

func (s *Shell) delay(ctx context.Context, out console, args []string) error {
	if len(args) != 1 {
		return usageError("delay <milliseconds>")
	}
	ms, err := parseInt("delay", args[0])
	if err != nil {
		return err
	}
	sub, err := command.NewTimerDelay(ms)
	if err != nil {
		return err
	}
	if err := s.send(ctx, sub); err != nil {
		return err
	}
	out.Printf("Delaying buffered execution by %d ms\n", ms)
	return nil
}

func (s *Shell) showParams(ctx context.Context, out console, args []string) error {
	if len(args) != 1 {
		return usageError("params <side>")
	}
	side, err := parseSide(args[0])
	if err != nil {
		return err
	}
	group := s.sideParams(side)

	position, err := group.SyringePosition.Get(ctx)
	if err != nil {
		return err
	}
	out.Printf("Syringe position: %d\n", position)

	valvePos, err := group.ValvePosition.Get(ctx)
	if err != nil {
		return err
	}
	out.Printf("Valve position: %d\n", valvePos)

	speed, err := group.SyringeDefaultSpeed.Get(ctx)
	if err != nil {
		return err
	}
	out.Printf("Default speed: %d\n", speed)

	valveSpeed, err := group.ValveSpeed.Get(ctx)
	if err != nil {
		return err
	}
	out.Printf("Valve speed: %d\n", valveSpeed)

	returnSteps, err := group.SyringeDefaultReturnSteps.Get(ctx)
	if err != nil {
		return err
	}
	out.Printf("Default return steps: %d\n", returnSteps)

	backOff, err := group.SyringeDefaultBackOffSteps.Get(ctx)
	if err != nil {
		return err
	}
	out.Printf("Default back-off steps: %d\n", backOff)

	return nil
}

// startCycle positions both syringes and starts the alternating
// equilibrium transfers between them.
func (s *Shell) startCycle(ctx context.Context, out console, _ []string) error {
	// Park the right syringe empty and fill the left before the transfers
	// begin, so the first dispense has a full stroke to work with.
	parkRight, err := command.NewSyringeMove(command.Right, command.MinSyringeMove, command.WithSpeed(positioningSpeed))
	if err != nil {
		return err
	}
	fillLeft, err := command.NewSyringeMove(command.Left, command.MaxSyringeMove, command.WithSpeed(positioningSpeed))
	if err != nil {
		return err
	}
	if err := s.send(ctx, parkRight); err != nil {
		return err
	}
	if err := s.send(ctx, fillLeft); err != nil {
		return err
	}

	stroke := command.MaxSyringeMove - 1
	emptyRight, err := transfer(command.Right, command.Left, stroke, emptyRightSpeed)
	if err != nil {
		return err
	}
	emptyLeft, err := transfer(command.Left, command.Right, stroke, emptyLeftSpeed)
	if err != nil {
		return err
	}

	if err := s.pump.StartCycle(ctx, []*command.Command{emptyRight, emptyLeft}); err != nil {
		return err
	}
	out.Println("Equilibrium cycle started")
	return nil
}

func (s *Shell) stopCycle(ctx context.Context, out console, _ []string) error {
	s.pump.StopCycle(true)
	if err := s.pump.ClearBufferedCommands(ctx); err != nil {
		return err
	}
	out.Println("Cycle stopped")
	return nil
}

func (s *Shell) sendRaw(ctx context.Context, out console, args []string) error {
	if len(args) != 1 {
		return usageError("send <body>")
	}
	reply, err := s.pump.Link().Transact(ctx, s.pump.Address()+args[0])
	if err != nil {
		return err
	}
	if reply == "" {
		out.Println("Acknowledged, no payload")
		return nil
	}
	out.Printf("Reply: %s\n", reply)
	return nil
}

func (s *Shell) send(ctx context.Context, subs ...command.SubCommand) error {
	cmd, err := command.NewCommand(subs...)
	if err != nil {
		return err
	}
	return s.pump.SendCommand(ctx, cmd)
}

func (s *Shell) sideParams(side command.Side) *microlab.SideParams {
	if side == command.Right {
		return s.pump.Right
	}
	return s.pump.Left
}

// transfer builds a combined command dispensing a full stroke from one
// syringe while the other picks the same volume up.
func transfer(from, to command.Side, steps, speed int) (*command.Command, error) {
	dispense, err := command.NewSyringeDispense(from, steps, command.WithSpeed(float64(speed)))
	if err != nil {
		return nil, err
	}
	pickup, err := command.NewSyringePickup(to, steps, command.WithSpeed(float64(speed)))
	if err != nil {
		return nil, err
	}
	return command.NewCommand(dispense, pickup)
}
