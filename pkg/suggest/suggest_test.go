package suggest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/goleak"

	"github.com/astromechza/roomsync/internal/clock"
	"github.com/astromechza/roomsync/pkg/directory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type answer struct {
	suggestions []directory.Suggestion
	err         error
}

type call struct {
	language, prefix, roomID string
	ctx                      context.Context
	reply                    chan answer
}

// gatedQuerier hands every call to the test, which decides when and how it
// returns. With honourCancel unset a call keeps waiting after its context ends,
// which is how a slow server behaves.
type gatedQuerier struct {
	calls        chan call
	honourCancel bool
}

func newGatedQuerier(honourCancel bool) *gatedQuerier {
	return &gatedQuerier{calls: make(chan call, 16), honourCancel: honourCancel}
}

func (q *gatedQuerier) Suggestions(ctx context.Context, language, prefix, roomID string) ([]directory.Suggestion, error) {
	c := call{language: language, prefix: prefix, roomID: roomID, ctx: ctx, reply: make(chan answer, 1)}
	q.calls <- c
	if q.honourCancel {
		select {
		case a := <-c.reply:
			return a.suggestions, a.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a := <-c.reply
	return a.suggestions, a.err
}

func (q *gatedQuerier) next(t *testing.T) call {
	select {
	case c := <-q.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no query issued")
		return call{}
	}
}

func labels(s ...string) []directory.Suggestion {
	out := make([]directory.Suggestion, 0, len(s))
	for _, l := range s {
		out = append(out, directory.Suggestion{Label: l, Kind: "keyword"})
	}
	return out
}

func receive(t *testing.T, ch <-chan Result) (Result, bool) {
	select {
	case r, ok := <-ch:
		return r, ok
	case <-time.After(5 * time.Second):
		t.Fatal("result channel never resolved")
		return Result{}, false
	}
}

func newFakeClock() *clock.FakeClock {
	return clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestBurstIsCoalescedIntoOneRequest(t *testing.T) {
	fc := newFakeClock()
	q := newGatedQuerier(true)
	scope := tally.NewTestScope("testing", make(map[string]string, 0))
	f := New(q, WithClock(fc), WithStats(scope))
	defer f.Close()

	var earlier []<-chan Result
	for _, prefix := range []string{"f", "fu", "fun", "func"} {
		_, ch := f.Request("javascript", prefix, "r1")
		earlier = append(earlier, ch)
		fc.Advance(100 * time.Millisecond)
	}
	_, last := f.Request("javascript", "funct", "r1")
	assert.Empty(t, q.calls)
	assert.False(t, f.IsLoading())

	fc.Advance(DefaultDebounce)
	c := q.next(t)
	assert.Equal(t, "funct", c.prefix)
	assert.Equal(t, "javascript", c.language)
	assert.Equal(t, "r1", c.roomID)
	assert.True(t, f.IsLoading())

	c.reply <- answer{suggestions: labels("function")}
	res, ok := receive(t, last)
	require.True(t, ok)
	assert.Equal(t, labels("function"), res.Suggestions)
	assert.False(t, f.IsLoading())

	for _, ch := range earlier {
		_, ok := receive(t, ch)
		assert.False(t, ok)
	}
	assert.Empty(t, q.calls)
	assert.Equal(t, int64(1), scope.Snapshot().Counters()["testing.suggest.requests+"].Value())
}

func TestStaleResponseIsDiscarded(t *testing.T) {
	fc := newFakeClock()
	q := newGatedQuerier(false)
	scope := tally.NewTestScope("testing", make(map[string]string, 0))
	f := New(q, WithClock(fc), WithStats(scope))
	defer f.Close()

	_, first := f.Request("javascript", "fo", "r1")
	fc.Advance(DefaultDebounce)
	r1 := q.next(t)

	_, second := f.Request("javascript", "foo", "r1")
	fc.Advance(DefaultDebounce)
	r2 := q.next(t)
	assert.Error(t, r1.ctx.Err(), "superseded query should be cancelled")

	r2.reply <- answer{suggestions: labels("for")}
	res, ok := receive(t, second)
	require.True(t, ok)
	assert.Equal(t, "foo", res.Prefix)

	r1.reply <- answer{suggestions: labels("for", "forEach")}
	_, ok = receive(t, first)
	assert.False(t, ok)

	// wait for the stale goroutine to finish before reading state
	require.Eventually(t, func() bool {
		c := scope.Snapshot().Counters()["testing.suggest.stale_responses+"]
		return c != nil && c.Value() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, labels("for"), f.Suggestions())
	assert.False(t, f.IsLoading())
}

func TestEmptyPrefixShortCircuits(t *testing.T) {
	fc := newFakeClock()
	q := newGatedQuerier(true)
	var applied []Result
	f := New(q, WithClock(fc), OnResult(func(r Result) { applied = append(applied, r) }))
	defer f.Close()

	_, ch := f.Request("javascript", "", "r1")
	res, ok := receive(t, ch)
	require.True(t, ok)
	assert.NotNil(t, res.Suggestions)
	assert.Empty(t, res.Suggestions)
	assert.NoError(t, res.Err)

	fc.Advance(time.Second)
	assert.Empty(t, q.calls)
	assert.Len(t, applied, 1)
	assert.Equal(t, 0, fc.PendingCount())
}

func TestEmptyPrefixClearsPendingFetch(t *testing.T) {
	fc := newFakeClock()
	q := newGatedQuerier(true)
	f := New(q, WithClock(fc))
	defer f.Close()

	_, pending := f.Request("javascript", "le", "r1")
	_, empty := f.Request("javascript", "", "r1")
	fc.Advance(time.Second)

	_, ok := receive(t, pending)
	assert.False(t, ok)
	res, ok := receive(t, empty)
	require.True(t, ok)
	assert.Empty(t, res.Suggestions)
	assert.Empty(t, q.calls)
}

func TestFailureClearsLoadingAndKeepsSuggestions(t *testing.T) {
	fc := newFakeClock()
	q := newGatedQuerier(true)
	f := New(q, WithClock(fc))
	defer f.Close()

	_, ch := f.Request("python", "de", "r1")
	fc.Advance(DefaultDebounce)
	q.next(t).reply <- answer{suggestions: labels("def")}
	_, ok := receive(t, ch)
	require.True(t, ok)

	_, ch = f.Request("python", "cl", "r1")
	fc.Advance(DefaultDebounce)
	c := q.next(t)
	assert.True(t, f.IsLoading())
	c.reply <- answer{err: errors.New("500")}

	res, ok := receive(t, ch)
	require.True(t, ok)
	assert.Error(t, res.Err)
	assert.False(t, f.IsLoading())
	assert.Equal(t, labels("def"), f.Suggestions())
}

func TestCancelBeforeDebounceFires(t *testing.T) {
	fc := newFakeClock()
	q := newGatedQuerier(true)
	f := New(q, WithClock(fc))
	defer f.Close()

	cancel, ch := f.Request("javascript", "co", "r1")
	cancel()
	fc.Advance(time.Second)

	_, ok := receive(t, ch)
	assert.False(t, ok)
	assert.Empty(t, q.calls)
	assert.Equal(t, 0, fc.PendingCount())
}

func TestCloseAbortsInFlightQuery(t *testing.T) {
	fc := newFakeClock()
	q := newGatedQuerier(true)
	f := New(q, WithClock(fc))

	_, ch := f.Request("javascript", "co", "r1")
	fc.Advance(DefaultDebounce)
	c := q.next(t)
	assert.True(t, f.IsLoading())

	f.Close()
	assert.Error(t, c.ctx.Err())
	assert.False(t, f.IsLoading())
	_, ok := receive(t, ch)
	assert.False(t, ok)

	_, late := f.Request("javascript", "con", "r1")
	_, ok = receive(t, late)
	assert.False(t, ok)
}
