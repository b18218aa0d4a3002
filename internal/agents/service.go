// Package agents ties enrollment tokens, the node registry and the
// certificate authority together for the two agent-initiated identity
// flows: first enrollment and certificate renewal.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/heartbeat"
	"github.com/EternisAI/silo-fleet/internal/nodes"
)

type TokenConsumer interface {
	ValidateAndConsume(ctx context.Context, secret string) (string, error)
	Restore(ctx context.Context, secret string) error
}

type NodeEnroller interface {
	EnrollNode(ctx context.Context, orgID, name, platform string, capacity nodes.Capacity) (nodes.Node, error)
	GetNode(ctx context.Context, id string) (nodes.Node, error)
	Decommission(ctx context.Context, id, reason string) (nodes.DecommissionResult, error)
}

type CertificateIssuer interface {
	IssueLeafCertificate(ctx context.Context, nodeID string, csrPEM []byte) (cert.Certificate, error)
	ResolveActive(ctx context.Context, thumbprint string) (cert.Certificate, error)
	TrustBundlePEM(ctx context.Context) ([]byte, error)
}

type Service struct {
	tokens TokenConsumer
	nodes  NodeEnroller
	ca     CertificateIssuer
}

func NewService(tokens TokenConsumer, registry NodeEnroller, ca CertificateIssuer) *Service {
	return &Service{
		tokens: tokens,
		nodes:  registry,
		ca:     ca,
	}
}

// Enroll consumes the enrollment secret, registers a node for the token's
// organization and issues the node's first certificate. The organization
// comes from the token only. Requests that fail validation leave the token
// unused, and so does a name collision, so the agent can retry under
// another name.
func (s *Service) Enroll(ctx context.Context, secret string, req EnrollRequest) (Enrollment, error) {
	if _, err := cert.ParseCSR(req.CSRPEM); err != nil {
		return Enrollment{}, &cert.IssuanceError{Reason: "bad signing request", Err: err}
	}
	if err := nodes.ValidateEnrollment(req.Name, req.Capacity); err != nil {
		return Enrollment{}, err
	}

	orgID, err := s.tokens.ValidateAndConsume(ctx, secret)
	if err != nil {
		return Enrollment{}, err
	}

	node, err := s.nodes.EnrollNode(ctx, orgID, req.Name, req.Platform, req.Capacity)
	if err != nil {
		if errors.Is(err, nodes.ErrNameTaken) {
			if rerr := s.tokens.Restore(ctx, secret); rerr != nil {
				slog.Error("Failed to restore enrollment token after name collision", "org_id", orgID, "error", rerr)
			}
			return Enrollment{}, err
		}
		slog.Warn("Enrollment token consumed but node registration failed", "org_id", orgID, "error", err)
		return Enrollment{}, err
	}

	issued, err := s.ca.IssueLeafCertificate(ctx, node.ID, req.CSRPEM)
	if err != nil {
		slog.Error("Failed to issue first certificate, decommissioning node", "node_id", node.ID, "error", err)
		if _, derr := s.nodes.Decommission(ctx, node.ID, "enrollment failed"); derr != nil {
			slog.Error("Failed to decommission node after enrollment failure", "node_id", node.ID, "error", derr)
		}
		return Enrollment{}, err
	}

	bundle, err := s.ca.TrustBundlePEM(ctx)
	if err != nil {
		return Enrollment{}, fmt.Errorf("failed to load trust bundle: %w", err)
	}

	slog.Info("Agent enrolled",
		"node_id", node.ID,
		"org_id", orgID,
		"certificate_id", issued.ID)

	return Enrollment{
		Node:           node,
		Certificate:    issued,
		TrustBundlePEM: bundle,
	}, nil
}

// Renew issues a replacement certificate to the agent presenting the
// active certificate with thumbprint. The presented certificate is
// superseded.
func (s *Service) Renew(ctx context.Context, thumbprint string, csrPEM []byte) (Enrollment, error) {
	current, err := s.ca.ResolveActive(ctx, thumbprint)
	if err != nil {
		if errors.Is(err, cert.ErrCertificateNotFound) {
			return Enrollment{}, heartbeat.ErrUnauthenticatedAgent
		}
		return Enrollment{}, err
	}

	node, err := s.nodes.GetNode(ctx, current.NodeID)
	if err != nil {
		return Enrollment{}, err
	}

	issued, err := s.ca.IssueLeafCertificate(ctx, node.ID, csrPEM)
	if err != nil {
		return Enrollment{}, err
	}

	bundle, err := s.ca.TrustBundlePEM(ctx)
	if err != nil {
		return Enrollment{}, fmt.Errorf("failed to load trust bundle: %w", err)
	}

	slog.Info("Agent certificate renewed",
		"node_id", current.NodeID,
		"previous_certificate_id", current.ID,
		"certificate_id", issued.ID)

	return Enrollment{
		Node:           node,
		Certificate:    issued,
		TrustBundlePEM: bundle,
	}, nil
}
