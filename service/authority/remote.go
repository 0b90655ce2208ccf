package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/brojonat/tokenswap/client"
)

// Service is the co-signing API Remote calls. *client.Client satisfies it.
type Service interface {
	Authority(ctx context.Context) (solana.PublicKey, error)
	Cosign(ctx context.Context, tx *solana.Transaction) (*client.CosignResult, error)
}

// Remote asks the service to co-sign, so the authority key never leaves it.
type Remote struct {
	svc    Service
	pub    solana.PublicKey
	logger *slog.Logger
}

// NewRemote fetches the service's authority key once.
func NewRemote(ctx context.Context, svc Service, logger *slog.Logger) (*Remote, error) {
	pub, err := svc.Authority(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch authority key: %w", err)
	}
	return &Remote{svc: svc, pub: pub, logger: logger}, nil
}

func (r *Remote) PublicKey() solana.PublicKey {
	return r.pub
}

// CoSign sends the transaction to the service and places the returned signature
// in the authority slot after verifying it.
func (r *Remote) CoSign(ctx context.Context, tx *solana.Transaction) error {
	res, err := r.svc.Cosign(ctx, tx)
	var statusErr *client.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusForbidden {
		return &PolicyError{Reason: strings.TrimPrefix(statusErr.Message, "authority policy: ")}
	}
	if err != nil {
		return fmt.Errorf("remote co-sign: %w", err)
	}
	if !res.Authority.Equals(r.pub) {
		return fmt.Errorf("remote co-sign: service signed as %s, expected %s", res.Authority, r.pub)
	}
	if err := PlaceSignature(tx, r.pub, res.Signature); err != nil {
		return err
	}

	r.logger.DebugContext(ctx, "remote co-signature applied",
		"cosign_id", res.ID,
		"authority", r.pub.String(),
	)
	return nil
}
