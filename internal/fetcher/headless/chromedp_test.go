package headless

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
)

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	s, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultNavigationTimeout, s.cfg.NavigationTimeout)
	assert.Equal(t, DefaultWaitSelector, s.cfg.WaitSelector)
	assert.Equal(t, DefaultObstructions(), s.cfg.Obstructions)

	_, err = New(Config{NavigationTimeout: -time.Second}, nil)
	require.Error(t, err)
	_, err = New(Config{Obstructions: []Obstruction{{Name: "empty"}}}, nil)
	require.Error(t, err)

	s, err = New(Config{Obstructions: []Obstruction{{Selector: "#x"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "#x", s.cfg.Obstructions[0].Name)
}

func TestAllocatorOptions(t *testing.T) {
	t.Parallel()

	base := len(chromedp.DefaultExecAllocatorOptions)
	s, err := New(Config{Headless: true}, nil)
	require.NoError(t, err)
	assert.Len(t, s.allocatorOptions(), base+4)

	s, err = New(Config{ExecPath: "/usr/bin/chromium", UserAgent: "harvester/1.0"}, nil)
	require.NoError(t, err)
	assert.Len(t, s.allocatorOptions(), base+7)
}

func TestLoadPageRequiresOpenSession(t *testing.T) {
	t.Parallel()

	s, err := New(Config{}, nil)
	require.NoError(t, err)
	_, err = s.LoadPage(context.Background(), "https://forum.example/viewtopic.php?t=1")
	require.ErrorIs(t, err, crawler.ErrSessionDead)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestDismissalStateResetsOnClose(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Obstructions: []Obstruction{
		{Name: "cookies", Selector: "#cookies"},
		{Name: "modal", Selector: "#modal"},
	}}, nil)
	require.NoError(t, err)
	require.Len(t, s.pendingObstructions(), 2)

	s.markDismissed("cookies")
	pending := s.pendingObstructions()
	require.Len(t, pending, 1)
	assert.Equal(t, "modal", pending[0].Name)

	s.markDismissed("modal")
	assert.Empty(t, s.pendingObstructions())

	// Simulate an open browser so closeLocked tears state down.
	ctx, cancel := context.WithCancel(context.Background())
	s.browserCtx = ctx
	s.browserCancel = cancel
	s.allocCancel = func() {}
	require.NoError(t, s.Close())
	assert.Len(t, s.pendingObstructions(), 2)
	assert.Nil(t, s.browserCtx)
}

func TestClickScriptQuotesSelector(t *testing.T) {
	t.Parallel()

	script, err := clickScript(`button[data-x="a'b"]`)
	require.NoError(t, err)
	assert.Contains(t, script, `document.querySelector("button[data-x=\"a'b\"]")`)
	assert.True(t, strings.HasPrefix(script, "(() =>"))
}

func TestIsDead(t *testing.T) {
	t.Parallel()

	live := context.Background()
	gone, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want bool
	}{
		{name: "nil", ctx: live, err: nil, want: false},
		{name: "channel closed", ctx: live, err: fmt.Errorf("run: %w", chromedp.ErrChannelClosed), want: true},
		{name: "invalid target", ctx: live, err: chromedp.ErrInvalidTarget, want: true},
		{name: "invalid context", ctx: live, err: chromedp.ErrInvalidContext, want: true},
		{name: "websocket", ctx: live, err: errors.New("read websocket: EOF"), want: true},
		{name: "target closed", ctx: live, err: errors.New("Target closed"), want: true},
		{name: "browser gone", ctx: gone, err: errors.New("anything"), want: true},
		{name: "selector missing", ctx: live, err: errors.New("waiting for selector"), want: false},
		{name: "deadline", ctx: live, err: context.DeadlineExceeded, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, isDead(tc.ctx, tc.err))
		})
	}
}

func TestClassifyWrapsSessionDead(t *testing.T) {
	t.Parallel()

	s, err := New(Config{}, nil)
	require.NoError(t, err)
	err = s.classify(context.Background(), chromedp.ErrChannelClosed)
	assert.ErrorIs(t, err, crawler.ErrSessionDead)
	assert.ErrorIs(t, err, chromedp.ErrChannelClosed)

	plain := errors.New("element not visible")
	assert.Equal(t, plain, s.classify(context.Background(), plain))
}

func TestResponseMetaKeepsFirstDocumentStatus(t *testing.T) {
	t.Parallel()

	meta := &responseMeta{}
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeStylesheet,
		Response: &network.Response{Status: 404},
	})
	assert.Zero(t, meta.status())
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 503},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200},
	})
	assert.Equal(t, 503, meta.status())
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()
	stop := forwardCancel(parent, cancelChild)
	defer stop()

	cancelParent()
	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("expected child to be canceled")
	}
}
