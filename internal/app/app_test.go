package app

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/nutrikeeper/internal/config"
	"github.com/and161185/nutrikeeper/internal/model"
	"github.com/and161185/nutrikeeper/internal/service"
)

func devConfig() *config.Config {
	cfg := config.Default()
	cfg.Dev = true
	cfg.JWTKey = "0123456789abcdef0123"
	cfg.LLM.Provider = "none"
	return &cfg
}

func TestOpenStores_NeedsDSNOutsideDev(t *testing.T) {
	cfg := devConfig()
	cfg.Dev = false
	_, err := OpenStores(context.Background(), cfg)
	require.Error(t, err)
}

// Without a model provider every meal ends up failed instead of pending.
func TestBuild_DevModeRunsMealsToTerminalState(t *testing.T) {
	cfg := devConfig()
	ctx := context.Background()

	st, err := OpenStores(ctx, cfg)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Ping(ctx))

	a, err := Build(ctx, cfg, st, zaptest.NewLogger(t))
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		a.Queue.Run(runCtx)
		close(done)
	}()

	user := uuid.Must(uuid.NewV4())
	v, err := a.Records.SubmitMeal(ctx, user, service.NewMeal{Description: "oatmeal with berries"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := a.Records.Get(ctx, user, v.Record.ID)
		return err == nil && got.Record.State == model.StateFailed
	}, 5*time.Second, 10*time.Millisecond)

	rep, err := a.Reports.GetOrCompute(ctx, user, model.WeekWindow(time.Now()))
	require.NoError(t, err)
	require.Equal(t, model.ReportFresh, rep.Source)
	require.True(t, rep.Insights.Fallback)

	stop()
	<-done
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("debug")
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(-1))

	_, err = NewLogger("loud")
	require.Error(t, err)
}
