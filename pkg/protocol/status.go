package protocol

import "strings"

// Status is the payload of a STATUS packet: what a peer is streaming and how far it got.
type Status struct {
	FileName string
	Progress string
	State    string
}

func (s Status) String() string {
	return s.FileName + "|" + s.Progress + "|" + s.State
}

// ParseStatus splits filename|progress|state. Extra fields are ignored.
func ParseStatus(payload string) (Status, bool) {
	parts := strings.Split(payload, "|")
	if len(parts) < 3 {
		return Status{}, false
	}
	return Status{FileName: parts[0], Progress: parts[1], State: parts[2]}, true
}
