package vcpus

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// State is where a vCPU task is in its life.
type State int32

const (
	WaitingForVMRunning State = iota
	Running
	BlockedOnHalt
	BlockedOnError
	Exiting
	Terminated
)

func (s State) String() string {
	switch s {
	case WaitingForVMRunning:
		return "waiting-for-vm-running"
	case Running:
		return "running"
	case BlockedOnHalt:
		return "blocked-on-halt"
	case BlockedOnError:
		return "blocked-on-error"
	case Exiting:
		return "exiting"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type EventKind int

const (
	EventVMRunning EventKind = iota
	// EventExit carries the kind of a handled VM exit.
	EventExit
	EventRunError
	EventWoken
	EventShutdownObserved
	EventExited
)

type Event struct {
	Kind EventKind
	Exit hv.ExitKind
}

func (e Event) String() string {
	switch e.Kind {
	case EventVMRunning:
		return "vm-running"
	case EventExit:
		return "exit(" + e.Exit.String() + ")"
	case EventRunError:
		return "run-error"
	case EventWoken:
		return "woken"
	case EventShutdownObserved:
		return "shutdown-observed"
	case EventExited:
		return "exited"
	default:
		return fmt.Sprintf("Event(%d)", int(e.Kind))
	}
}

func exitEvent(k hv.ExitKind) Event { return Event{Kind: EventExit, Exit: k} }

// Transition is the task state machine.
func Transition(s State, ev Event) (State, error) {
	switch s {
	case WaitingForVMRunning:
		switch ev.Kind {
		case EventVMRunning:
			return Running, nil
		case EventShutdownObserved:
			return Exiting, nil
		}
	case Running:
		switch ev.Kind {
		case EventExit:
			switch ev.Exit {
			case hv.ExitKindHalt, hv.ExitKindCpuDown:
				return BlockedOnHalt, nil
			default:
				return Running, nil
			}
		case EventRunError:
			return BlockedOnError, nil
		case EventShutdownObserved:
			return Exiting, nil
		}
	case BlockedOnHalt, BlockedOnError:
		switch ev.Kind {
		case EventWoken:
			return Running, nil
		case EventShutdownObserved:
			return Exiting, nil
		}
	case Exiting:
		if ev.Kind == EventExited {
			return Terminated, nil
		}
	}
	return s, fmt.Errorf("vcpus: no transition from %v on %v: %w", s, ev, hv.ErrBadState)
}
