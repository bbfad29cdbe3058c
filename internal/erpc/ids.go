package erpc

import "github.com/google/uuid"

func newCallID() string   { return uuid.NewString() }
func newStreamID() string { return uuid.NewString() }
func newTunnelID() string { return uuid.NewString() }
