package main

import (
	"fmt"
	"os"

	"github.com/bluesky-social/streamtree/keyrange"
	"github.com/bluesky-social/streamtree/store"
	"github.com/bluesky-social/streamtree/tags"
	"github.com/bluesky-social/streamtree/tree"

	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v2"
	"github.com/xlab/treeprint"
)

var cmdInspect = &cli.Command{
	Name:      "inspect",
	Usage:     "print the node structure of a persisted tree",
	ArgsUsage: `[<root-cid>]`,
	Flags: []cli.Flag{
		kindFlag,
		&cli.StringFlag{
			Name:  "car",
			Usage: "load blocks from this CAR file first; its root is used if no root is given",
		},
		&cli.IntFlag{
			Name:  "depth",
			Usage: "how many levels below the root to print (0 for all)",
		},
		&cli.BoolFlag{
			Name:  "keys",
			Usage: "list the keys of each leaf",
		},
		&cli.BoolFlag{
			Name:  "full-cid",
			Usage: "display full CIDs, not just the suffix",
		},
	},
	Action: runInspect,
}

type inspectOptions struct {
	depth   int
	keys    bool
	fullCID bool
}

func runInspect(cctx *cli.Context) error {
	s, cleanup, err := newSession(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	root, err := resolveRoot(s, cctx.Args().First(), cctx.String("car"))
	if err != nil {
		return err
	}
	opts := inspectOptions{
		depth:   cctx.Int("depth"),
		keys:    cctx.Bool("keys"),
		fullCID: cctx.Bool("full-cid"),
	}

	switch kind := cctx.String("kind"); kind {
	case "sequence":
		return inspectTree(s, sequenceTypes(), root, opts)
	case "keyrange":
		return inspectTree(s, keyrange.Types[uint64](tree.Uint64Item{}), root, opts)
	case "tags":
		return inspectTree(s, tags.Types[string](tree.StringItem{}), root, opts)
	default:
		return fmt.Errorf("unknown tree kind: %q", kind)
	}
}

// Determines the root to work on: an explicit CID argument wins, otherwise
// the first root of the CAR file. The CAR's blocks are loaded into the
// session store either way.
func resolveRoot(s *session, arg, carPath string) (cid.Cid, error) {
	var root cid.Cid
	if carPath != "" {
		f, err := os.Open(carPath)
		if err != nil {
			return cid.Undef, err
		}
		defer f.Close()
		roots, err := store.ImportCAR(s.ctx, f, s.store)
		if err != nil {
			return cid.Undef, fmt.Errorf("importing %s: %w", carPath, err)
		}
		root = roots[0]
	}
	if arg != "" {
		c, err := cid.Decode(arg)
		if err != nil {
			return cid.Undef, fmt.Errorf("invalid root CID: %w", err)
		}
		root = c
	}
	if !root.Defined() {
		return cid.Undef, fmt.Errorf("need a root CID or a CAR file")
	}
	return root, nil
}

func inspectTree[K, S, V any](s *session, types tree.TreeTypes[K, S, V], root cid.Cid, opts inspectOptions) error {
	f, err := tree.NewForest(types, s.store, s.cache, tree.WithLogger(s.logger))
	if err != nil {
		return err
	}
	n, err := f.Load(s.ctx, s.secrets, root)
	if err != nil {
		return err
	}

	tp := treeprint.NewWithRoot(displayNode(root, n, f.Summarize(n), opts))
	if err := walkNode(s, f, n, tp, 1, opts); err != nil {
		return err
	}
	fmt.Fprintln(s.out, tp.String())
	return nil
}

func walkNode[K, S, V any](s *session, f *tree.Forest[K, S, V], n tree.Node, tp treeprint.Tree, depth int, opts inspectOptions) error {
	switch n := n.(type) {
	case *tree.Leaf[K]:
		if opts.keys {
			for i, k := range n.Index.Keys {
				tp.AddNode(fmt.Sprintf("%d: %v", i, k))
			}
		}
	case *tree.Branch[S]:
		if opts.depth > 0 && depth > opts.depth {
			tp.AddNode(fmt.Sprintf("(%d children)", n.Len()))
			return nil
		}
		for i := 0; i < n.Len(); i++ {
			ref := n.Child(i)
			child, err := f.Load(s.ctx, s.secrets, ref.Link)
			if err != nil {
				return err
			}
			sub := tp.AddBranch(displayNode(ref.Link, child, ref.Summary, opts))
			if err := walkNode(s, f, child, sub, depth+1, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

func displayNode(link cid.Cid, n tree.Node, summary any, opts inspectOptions) string {
	cidDisplay := link.String()
	if !opts.fullCID {
		cidDisplay = "…" + cidDisplay[len(cidDisplay)-7:]
	}
	return fmt.Sprintf("[%s] %v %v", cidDisplay, n, summary)
}
