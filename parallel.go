package dlpfs

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// minSegmentsForParallel is the smallest range, in segments, worth
// spreading across workers
const minSegmentsForParallel = 4

// cryptSegments processes a block-aligned range in segmentSize pieces.
// Each segment derives its own counter from its offset, so segments are
// independent and may run concurrently.
func (b *blockCrypter) cryptSegments(offset uint64, data []byte, encrypt bool) ([]byte, error) {
	segment := b.segmentSize
	if segment <= 0 {
		segment = DefaultSegmentSize
	}
	if len(data) == 0 {
		return nil, NewValidationError("data", 0, "range cannot be empty")
	}

	count := (len(data) + segment - 1) / segment
	if count < minSegmentsForParallel || b.workers <= 1 {
		return b.crypt(offset, data, encrypt)
	}

	out := make([]byte, len(data))

	group := errgroup.Group{}
	group.SetLimit(b.workers)

	for i := 0; i < count; i++ {
		start := i * segment
		end := min(start+segment, len(data))

		group.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in crypt worker: %v", r)
				}
			}()

			part, err := b.crypt(offset+uint64(start), data[start:end], encrypt)
			if err != nil {
				return err
			}
			copy(out[start:end], part)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		clear(out)
		return nil, err
	}
	return out, nil
}
