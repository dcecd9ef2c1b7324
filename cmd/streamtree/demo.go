package main

import (
	"fmt"
	"time"

	"github.com/bluesky-social/streamtree/keyrange"
	"github.com/bluesky-social/streamtree/tags"
	"github.com/bluesky-social/streamtree/tree"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/urfave/cli/v2"
)

// Nonce for plain sequences of strings, without an index.
var sequenceNonce = tree.MustNonce("streamtree sequence demo")

func sequenceTypes() tree.TreeTypes[tree.Unit, tree.Unit, string] {
	return tree.UnitTypes[string](sequenceNonce, tree.StringItem{})
}

var kindFlag = &cli.StringFlag{
	Name:    "kind",
	Aliases: []string{"k"},
	Usage:   "tree family: sequence, keyrange or tags",
	Value:   "sequence",
}

var cmdDemo = &cli.Command{
	Name:  "demo",
	Usage: "build a tree from generated entries and run a few reads against it",
	Flags: []cli.Flag{
		kindFlag,
		&cli.IntFlag{
			Name:  "count",
			Usage: "number of entries to append",
			Value: 100_000,
		},
		&cli.IntFlag{
			Name:  "batch",
			Usage: "entries per Extend call",
			Value: 1000,
		},
		&cli.BoolFlag{
			Name:  "debug-config",
			Usage: "use tiny leaves and fan-out, for deep trees",
		},
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "seed for generated text (0 for random)",
			Value: 1,
		},
	},
	Action: runDemo,
}

func runDemo(cctx *cli.Context) error {
	s, cleanup, err := newSession(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := treeConfig(cctx)
	n := cctx.Int("count")
	batch := cctx.Int("batch")
	if n < 0 || batch <= 0 {
		return fmt.Errorf("count must be non-negative and batch positive")
	}

	faker := gofakeit.New(cctx.Int64("seed"))

	switch kind := cctx.String("kind"); kind {
	case "sequence":
		return demoSequence(s, cfg, n, batch, faker)
	case "keyrange":
		return demoKeyRange(s, cfg, n, batch)
	case "tags":
		return demoTags(s, cfg, n, batch, faker)
	default:
		return fmt.Errorf("unknown tree kind: %q", kind)
	}
}

// Appends n generated entries in batches, reporting progress, and returns the
// final snapshot.
func buildTree[K, S, V any](s *session, tx *tree.Transaction[K, S, V], cfg tree.Config, n, batch int, gen func(i int) tree.Entry[K, V]) (tree.Tree, error) {
	b, err := tree.NewStreamBuilder(tx.Forest().Types(), cfg, s.secrets)
	if err != nil {
		return tree.Tree{}, err
	}

	start := time.Now()
	entries := make([]tree.Entry[K, V], 0, batch)
	for i := 0; i < n; i++ {
		entries = append(entries, gen(i))
		if len(entries) < batch && i < n-1 {
			continue
		}
		if err := tx.Extend(s.ctx, b, entries); err != nil {
			return tree.Tree{}, fmt.Errorf("extending tree after %d entries: %w", b.Len(), err)
		}
		entries = entries[:0]
	}

	t := b.Snapshot()
	s.logger.Info("built tree", "count", t.Count, "level", t.Level, "duration", time.Since(start))
	if t.Root != nil {
		fmt.Fprintf(s.out, "root:  %s\n", t.Root)
	}
	fmt.Fprintf(s.out, "count: %d\nlevel: %d\n", t.Count, t.Level)
	return t, nil
}

func newTransaction[K, S, V any](s *session, types tree.TreeTypes[K, S, V]) (*tree.Transaction[K, S, V], error) {
	f, err := tree.NewForest(types, s.store, s.cache, tree.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	return tree.NewTransaction(f, s.store), nil
}

func demoSequence(s *session, cfg tree.Config, n, batch int, faker *gofakeit.Faker) error {
	tx, err := newTransaction(s, sequenceTypes())
	if err != nil {
		return err
	}
	t, err := buildTree(s, tx, cfg, n, batch, func(i int) tree.Entry[tree.Unit, string] {
		return tree.Entry[tree.Unit, string]{Value: fmt.Sprintf("%d %s", i, faker.Sentence(8))}
	})
	if err != nil {
		return err
	}

	// full scan, then a seek to the tail
	start := time.Now()
	total := 0
	for _, err := range tx.IterFrom(s.ctx, t) {
		if err != nil {
			return err
		}
		total++
	}
	fmt.Fprintf(s.out, "iterated %d entries in %s\n", total, time.Since(start))

	from := t.Count - min(t.Count, 5)
	for tri, err := range tx.IterFromOffset(s.ctx, t, from) {
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%d: %s\n", tri.Offset, tri.Value)
	}
	return nil
}

func demoKeyRange(s *session, cfg tree.Config, n, batch int) error {
	tx, err := newTransaction(s, keyrange.Types[uint64](tree.Uint64Item{}))
	if err != nil {
		return err
	}
	t, err := buildTree(s, tx, cfg, n, batch, func(i int) tree.Entry[uint64, uint64] {
		return tree.Entry[uint64, uint64]{Key: uint64(i), Value: uint64(i)}
	})
	if err != nil {
		return err
	}

	q := keyrange.RangeQuery{Min: 500, Max: 1000}
	start := time.Now()
	var matched, sum uint64
	for tri, err := range tx.IterFiltered(s.ctx, t, q) {
		if err != nil {
			return err
		}
		matched++
		sum += tri.Value
	}
	fmt.Fprintf(s.out, "query %s: %d entries, value sum %d, in %s\n", keyrange.KeyRange(q), matched, sum, time.Since(start))
	return nil
}

func demoTags(s *session, cfg tree.Config, n, batch int, faker *gofakeit.Faker) error {
	tx, err := newTransaction(s, tags.Types[string](tree.StringItem{}))
	if err != nil {
		return err
	}
	t, err := buildTree(s, tx, cfg, n, batch, func(i int) tree.Entry[tags.Key, string] {
		key := tags.NewKey(uint64(i), uint64(i), fmt.Sprintf("stream:%d", i%8))
		if i%1000 == 0 {
			key = tags.NewKey(uint64(i), uint64(i), fmt.Sprintf("stream:%d", i%8), "checkpoint")
		}
		return tree.Entry[tags.Key, string]{Key: key, Value: faker.Username() + ": " + faker.Sentence(6)}
	})
	if err != nil {
		return err
	}

	queries := []struct {
		name  string
		query tree.Query[tags.Key, tags.Summary]
	}{
		{"checkpoint", tags.TagQuery{Tags: tags.NewTagSet("checkpoint")}},
		{"stream:3 in time [1000, 2000]", tree.And[tags.Key, tags.Summary](
			tags.TagQuery{Tags: tags.NewTagSet("stream:3")},
			tags.TimeRangeQuery{Min: 1000, Max: 2000},
		)},
	}
	for _, q := range queries {
		start := time.Now()
		matched := 0
		for _, err := range tx.IterFiltered(s.ctx, t, q.query) {
			if err != nil {
				return err
			}
			matched++
		}
		fmt.Fprintf(s.out, "query %s: %d entries in %s\n", q.name, matched, time.Since(start))
	}
	return nil
}
