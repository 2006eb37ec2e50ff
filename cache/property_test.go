package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"pgregory.net/rapid"

	"github.com/meigma/netboot/internal/testutil"
	"github.com/meigma/netboot/store"
)

// TestAccountingProperties drives a cache through random sequences of
// lookups, held reads, releases and removals, checking after every step
// that the byte total, the index, the archive files and the gc roots agree
// and that the size limit holds wherever eviction is possible.
func TestAccountingProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		base := t.TempDir()
		dir := filepath.Join(base, "cache")
		rootDir := filepath.Join(base, "gcroots")
		if err := os.Mkdir(dir, 0o755); err != nil {
			rt.Fatal(err)
		}
		if err := os.Mkdir(rootDir, 0o755); err != nil {
			rt.Fatal(err)
		}
		roots, err := store.OpenRootDir(rootDir)
		if err != nil {
			rt.Fatal(err)
		}
		defer roots.Close()

		builder := testutil.NewBuilder()
		refs := make([]store.Path, 6)
		for i := range refs {
			refs[i] = ref(fmt.Sprintf("p%d", i))
			builder.SetSize(refs[i], rapid.Int64Range(1, 60).Draw(rt, fmt.Sprintf("size%d", i)))
		}
		clk := fakeclock.NewFakeClock(time.Unix(1_700_000_000, 0))
		maxBytes := rapid.Int64Range(0, 150).Draw(rt, "maxBytes")

		c, err := New(dir, builder, roots, WithMaxBytes(maxBytes), WithClock(clk))
		if err != nil {
			rt.Fatal(err)
		}
		defer c.Close()

		var held []*Handle
		pick := rapid.IntRange(0, len(refs)-1)

		rt.Repeat(map[string]func(*rapid.T){
			"get": func(rt *rapid.T) {
				h, err := c.GetOrBuild(t.Context(), refs[pick.Draw(rt, "ref")])
				if err != nil {
					rt.Fatal(err)
				}
				h.Release()
			},
			"hold": func(rt *rapid.T) {
				h, err := c.GetOrBuild(t.Context(), refs[pick.Draw(rt, "ref")])
				if err != nil {
					rt.Fatal(err)
				}
				held = append(held, h)
			},
			"release": func(rt *rapid.T) {
				if len(held) == 0 {
					rt.Skip("nothing held")
				}
				i := rapid.IntRange(0, len(held)-1).Draw(rt, "held")
				held[i].Release()
				held = append(held[:i], held[i+1:]...)
			},
			"remove": func(rt *rapid.T) {
				// ErrBusy is expected for held entries.
				_ = c.Remove(refs[pick.Draw(rt, "ref")])
			},
			"tick": func(rt *rapid.T) {
				clk.Increment(time.Duration(rapid.IntRange(0, 3).Draw(rt, "seconds")) * time.Second)
			},
			"": func(rt *rapid.T) {
				if err := consistencyErr(c); err != nil {
					rt.Fatal(err)
				}
			},
		})

		for _, h := range held {
			h.Release()
		}
		if err := consistencyErr(c); err != nil {
			rt.Fatal(err)
		}
	})
}
