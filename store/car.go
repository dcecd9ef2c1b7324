package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	carv2 "github.com/ipld/go-car/v2"
)

// Streams blocks into a CARv1 file. The header (with the root CIDs) is written
// by NewCarWriter; blocks are appended in call order.
type CarWriter struct {
	w      io.Writer
	blocks int
}

func NewCarWriter(w io.Writer, roots ...cid.Cid) (*CarWriter, error) {
	if err := car.WriteHeader(&car.CarHeader{
		Roots:   roots,
		Version: 1,
	}, w); err != nil {
		return nil, fmt.Errorf("failed to write car header: %w", err)
	}
	return &CarWriter{w: w}, nil
}

func (cw *CarWriter) WriteBlock(link cid.Cid, data []byte) error {
	if err := carutil.LdWrite(cw.w, link.Bytes(), data); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	cw.blocks++
	return nil
}

// Number of blocks written so far.
func (cw *CarWriter) Blocks() int {
	return cw.blocks
}

// Reads every block out of a CAR file (v1 or v2) into the given writer,
// checking that each block's content matches its CID. Returns the roots listed
// in the CAR header.
func ImportCAR(ctx context.Context, r io.Reader, w BlockWriter) ([]cid.Cid, error) {
	br, err := carv2.NewBlockReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading CAR header: %w", err)
	}

	for {
		blk, err := br.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}

		if err := VerifyBlock(blk.Cid(), blk.RawData()); err != nil {
			return nil, err
		}
		c, err := w.Put(ctx, blk.RawData())
		if err != nil {
			return nil, err
		}
		if !c.Equals(blk.Cid()) {
			// the block was stored, but under a different CID encoding
			return nil, fmt.Errorf("%w: CAR block %s stored as %s", ErrDigestMismatch, blk.Cid(), c)
		}
	}

	if len(br.Roots) < 1 {
		return nil, fmt.Errorf("CAR file missing root CID")
	}
	return br.Roots, nil
}
