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
)

var cmdExportCar = &cli.Command{
	Name:      "export-car",
	Usage:     "write every block of a tree to a CAR file",
	ArgsUsage: `<root-cid>`,
	Flags: []cli.Flag{
		kindFlag,
		&cli.StringFlag{
			Name:     "output",
			Aliases:  []string{"o"},
			Usage:    "file path for the CAR file",
			Required: true,
		},
	},
	Action: runExportCar,
}

var cmdImportCar = &cli.Command{
	Name:      "import-car",
	Usage:     "copy the blocks of a CAR file into the block store",
	ArgsUsage: `<car-file>`,
	Action:    runImportCar,
}

func runExportCar(cctx *cli.Context) error {
	s, cleanup, err := newSession(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if cctx.Args().Len() != 1 {
		return fmt.Errorf("expected a single root CID argument")
	}
	root, err := cid.Decode(cctx.Args().First())
	if err != nil {
		return fmt.Errorf("invalid root CID: %w", err)
	}

	out, err := os.Create(cctx.String("output"))
	if err != nil {
		return err
	}
	defer out.Close()

	var n int
	switch kind := cctx.String("kind"); kind {
	case "sequence":
		n, err = exportTree(s, sequenceTypes(), root, out)
	case "keyrange":
		n, err = exportTree(s, keyrange.Types[uint64](tree.Uint64Item{}), root, out)
	case "tags":
		n, err = exportTree(s, tags.Types[string](tree.StringItem{}), root, out)
	default:
		err = fmt.Errorf("unknown tree kind: %q", kind)
	}
	if err != nil {
		return err
	}
	s.logger.Info("exported tree", "root", root, "blocks", n, "path", out.Name())
	return out.Close()
}

func exportTree[K, S, V any](s *session, types tree.TreeTypes[K, S, V], root cid.Cid, out *os.File) (int, error) {
	tx, err := newTransaction(s, types)
	if err != nil {
		return 0, err
	}
	t, err := tx.Forest().LoadTree(s.ctx, s.secrets, root)
	if err != nil {
		return 0, err
	}
	return tx.ExportCAR(s.ctx, t, out)
}

func runImportCar(cctx *cli.Context) error {
	s, cleanup, err := newSession(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if cctx.Args().Len() != 1 {
		return fmt.Errorf("expected a single CAR file argument")
	}
	f, err := os.Open(cctx.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	roots, err := store.ImportCAR(s.ctx, f, s.store)
	if err != nil {
		return err
	}
	for _, r := range roots {
		fmt.Fprintln(s.out, r)
	}
	return nil
}
