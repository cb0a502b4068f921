package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitmscan/mitmscan/pkg/transaction"
)

func TestInterceptorDisabledNeverBlocks(t *testing.T) {
	i := NewInterceptor()
	assert.False(t, i.Enabled())

	d, err := i.Await(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, ActionForward, d.Action)
	assert.Empty(t, i.Pending())
}

func TestInterceptorResolveDeliversOnce(t *testing.T) {
	i := NewInterceptor()
	i.SetEnabled(true)

	got := make(chan Decision, 1)
	go func() {
		d, _ := i.Await(context.Background(), "tx-1")
		got <- d
	}()

	// Wait for the entry to register.
	require.Eventually(t, func() bool {
		return len(i.Pending()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"tx-1"}, i.Pending())

	require.NoError(t, i.Resolve("tx-1", Decision{Action: ActionDrop}))
	select {
	case d := <-got:
		assert.Equal(t, ActionDrop, d.Action)
	case <-time.After(time.Second):
		t.Fatal("decision never delivered")
	}

	assert.ErrorIs(t, i.Resolve("tx-1", Decision{Action: ActionForward}), ErrNoPending)
}

func TestInterceptorResolveUnknown(t *testing.T) {
	i := NewInterceptor()
	i.SetEnabled(true)
	assert.ErrorIs(t, i.Resolve("missing", Decision{}), ErrNoPending)
}

func TestInterceptorModifyCarriesRequest(t *testing.T) {
	i := NewInterceptor()
	i.SetEnabled(true)

	got := make(chan Decision, 1)
	go func() {
		d, _ := i.Await(context.Background(), "tx-2")
		got <- d
	}()
	require.Eventually(t, func() bool {
		return len(i.Pending()) == 1
	}, time.Second, 5*time.Millisecond)

	replacement := &transaction.Request{Method: "POST", URL: "https://example.com/other"}
	require.NoError(t, i.Resolve("tx-2", Decision{Action: ActionModify, Request: replacement}))

	d := <-got
	assert.Equal(t, ActionModify, d.Action)
	assert.Equal(t, "https://example.com/other", d.Request.URL)
}

func TestInterceptorDisableReleasesPending(t *testing.T) {
	i := NewInterceptor()
	i.SetEnabled(true)

	got := make(chan Decision, 1)
	go func() {
		d, _ := i.Await(context.Background(), "tx-3")
		got <- d
	}()
	require.Eventually(t, func() bool {
		return len(i.Pending()) == 1
	}, time.Second, 5*time.Millisecond)

	i.SetEnabled(false)

	select {
	case d := <-got:
		assert.Equal(t, ActionForward, d.Action)
	case <-time.After(time.Second):
		t.Fatal("pending entry not released on disable")
	}
	assert.Empty(t, i.Pending())
}

func TestInterceptorResponseSideDisabledNeverBlocks(t *testing.T) {
	i := NewInterceptor()
	assert.False(t, i.ResponseEnabled())

	d, err := i.AwaitResponse(context.Background(), "tx-5")
	require.NoError(t, err)
	assert.Equal(t, ActionForward, d.Action)
	assert.Empty(t, i.PendingResponses())
}

func TestInterceptorResolveResponseCarriesReplacement(t *testing.T) {
	i := NewInterceptor()
	i.SetResponseEnabled(true)

	got := make(chan Decision, 1)
	go func() {
		d, _ := i.AwaitResponse(context.Background(), "tx-6")
		got <- d
	}()
	require.Eventually(t, func() bool {
		return len(i.PendingResponses()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"tx-6"}, i.PendingResponses())

	replacement := &transaction.Response{Status: 404, Body: []byte("gone")}
	require.NoError(t, i.ResolveResponse("tx-6", Decision{Action: ActionModify, Response: replacement}))

	select {
	case d := <-got:
		assert.Equal(t, ActionModify, d.Action)
		assert.Equal(t, 404, d.Response.Status)
	case <-time.After(time.Second):
		t.Fatal("decision never delivered")
	}

	assert.ErrorIs(t, i.ResolveResponse("tx-6", Decision{Action: ActionForward}), ErrNoPending)
}

func TestInterceptorResponseAutoForwardsAfterWait(t *testing.T) {
	i := NewInterceptor()
	i.SetResponseEnabled(true)
	i.responseWait = 50 * time.Millisecond

	d, err := i.AwaitResponse(context.Background(), "tx-7")
	require.NoError(t, err)
	assert.Equal(t, ActionForward, d.Action)

	// The entry was consumed by the timeout, so a late resolution
	// finds nothing.
	assert.ErrorIs(t, i.ResolveResponse("tx-7", Decision{Action: ActionDrop}), ErrNoPending)
	assert.Empty(t, i.PendingResponses())
}

func TestInterceptorDisableResponseSideReleasesPending(t *testing.T) {
	i := NewInterceptor()
	i.SetResponseEnabled(true)

	got := make(chan Decision, 1)
	go func() {
		d, _ := i.AwaitResponse(context.Background(), "tx-8")
		got <- d
	}()
	require.Eventually(t, func() bool {
		return len(i.PendingResponses()) == 1
	}, time.Second, 5*time.Millisecond)

	i.SetResponseEnabled(false)

	select {
	case d := <-got:
		assert.Equal(t, ActionForward, d.Action)
	case <-time.After(time.Second):
		t.Fatal("pending response not released on disable")
	}
	assert.Empty(t, i.PendingResponses())
}

func TestInterceptorAwaitContextCancel(t *testing.T) {
	i := NewInterceptor()
	i.SetEnabled(true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	d, err := i.Await(ctx, "tx-4")
	assert.Error(t, err)
	assert.Equal(t, ActionForward, d.Action)
	assert.Empty(t, i.Pending())
}
