// internal/backends/helpers_test.go
package backends

import (
	"context"
	"time"

	"go.uber.org/zap"

	"actigate/internal/captcha"
	"actigate/internal/session"
	"actigate/pkg/tenants"
)

type fakeSolver struct {
	token string
	err   error
	calls int
}

func (f *fakeSolver) Solve(ctx context.Context, ch captcha.Challenge) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func testDeps(solver captcha.Solver) Deps {
	return Deps{
		Sessions:   session.NewManager(zap.NewNop().Sugar(), nil),
		Captcha:    solver,
		Log:        zap.NewNop().Sugar(),
		SessionTTL: time.Hour,
	}
}

func testCreds() tenants.Credentials {
	return tenants.Credentials{Email: "reseller@example.com", Password: "hunter2"}
}
