package clip

// State is the recording state of one worker.
type State int32

const (
	Idle State = iota
	Starting
	Recording
	Stopping
	Terminated
)

var stateNames = map[State]string{
	Idle:       "idle",
	Starting:   "starting",
	Recording:  "recording",
	Stopping:   "stopping",
	Terminated: "terminated",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "illegal"
}

// Active reports whether a clip file is open in this state.
func (s State) Active() bool {
	return s == Recording || s == Stopping
}
