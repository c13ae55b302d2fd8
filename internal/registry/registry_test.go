package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertReplacesByName(t *testing.T) {
	r := MustNew(SyncTarget{Name: "events-calendar", URL: "https://a.test/webhook", Active: true})

	require.NoError(t, r.Upsert("events-calendar", "https://b.test/webhook", true))
	require.NoError(t, r.Upsert("partner", "https://c.test/webhook", false))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "https://b.test/webhook", list[0].URL)
	assert.Equal(t, "partner", list[1].Name)
}

func TestUpsertRejectsBadInput(t *testing.T) {
	r := MustNew()
	assert.Error(t, r.Upsert("", "https://a.test", true))
	assert.Error(t, r.Upsert("x", "not a url", true))
	assert.Error(t, r.Upsert("x", "events.example.org/hook", true))
	assert.Error(t, r.Upsert("x", "ftp://a.test/hook", true))
	assert.Empty(t, r.List())
}

func TestNewFailsOnInvalidTarget(t *testing.T) {
	_, err := New(
		SyncTarget{Name: "ok", URL: "https://a.test/hook", Active: true},
		SyncTarget{Name: "events-calendar", URL: "events.example.org/hook", Active: true},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "events-calendar")

	assert.Panics(t, func() { MustNew(SyncTarget{Name: "x", URL: "relative/path"}) })
}

func TestActiveTargets(t *testing.T) {
	r := MustNew(
		SyncTarget{Name: "a", URL: "https://a.test", Active: true},
		SyncTarget{Name: "b", URL: "https://b.test", Active: true},
		SyncTarget{Name: "c", URL: "https://c.test", Active: false},
	)
	assert.Len(t, r.ActiveTargets(), 2)
	assert.Equal(t, 2, r.ActiveCount())
	assert.Len(t, r.List(), 3)

	require.NoError(t, r.Upsert("a", "https://a.test", false))
	assert.Equal(t, 1, r.ActiveCount())
}

func TestSnapshotIsIsolatedFromLaterUpserts(t *testing.T) {
	r := MustNew(SyncTarget{Name: "a", URL: "https://a.test", Active: true})
	snap := r.ActiveTargets()
	require.NoError(t, r.Upsert("a", "https://changed.test", true))
	assert.Equal(t, "https://a.test", snap[0].URL)
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	r := MustNew()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Upsert(fmt.Sprintf("t%d", i%5), fmt.Sprintf("https://t%d.test", i), i%2 == 0)
		}(i)
		go func() {
			defer wg.Done()
			for _, tgt := range r.ActiveTargets() {
				assert.True(t, tgt.Active)
				assert.NotEmpty(t, tgt.URL)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, r.List(), 5)
}
