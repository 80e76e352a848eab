package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/moltbunker/walletlink/internal/provider"
)

type instrumentedProvider struct {
	provider.Provider
	rec Recorder
}

// InstrumentProvider counts and times every request made through p.
// A nil p stays nil so "no provider" is preserved.
func InstrumentProvider(p provider.Provider, rec Recorder) provider.Provider {
	if p == nil || rec == nil {
		return p
	}
	return &instrumentedProvider{Provider: p, rec: rec}
}

func (ip *instrumentedProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	start := time.Now()
	res, err := ip.Provider.Request(ctx, method, params...)
	ip.rec.ObserveRequest(method, Outcome(err), time.Since(start))
	return res, err
}
