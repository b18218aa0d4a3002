package agents

import (
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/nodes"
)

type EnrollRequest struct {
	Name     string
	Platform string
	Capacity nodes.Capacity
	CSRPEM   []byte
}

// Enrollment is everything an agent needs after enrolling: its node, its
// client certificate and the roots it must trust.
type Enrollment struct {
	Node           nodes.Node
	Certificate    cert.Certificate
	TrustBundlePEM []byte
}
