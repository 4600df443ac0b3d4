package provider

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"

	"github.com/genmedia/gateway/internal/domain"
)

// LocalDriver is the in-process downscale transform: decode the staged
// input, re-encode it under the requested byte budget by walking JPEG
// quality down and halving dimensions when quality alone is not enough. No
// network round trip is involved.
type LocalDriver struct{}

func NewLocalDriver() *LocalDriver { return &LocalDriver{} }

var jpegQualityLadder = []int{85, 75, 65, 55, 45}

// minDimension stops the halving loop; below this the output is useless and
// always well under any accepted budget anyway.
const minDimension = 16

func (d *LocalDriver) Capabilities() domain.Capabilities {
	return domain.Capabilities{NeedsInputBytes: true, Synchronous: true, ContentTypeHint: "image/jpeg"}
}

func (d *LocalDriver) Submit(_ domain.Context, job domain.Job, in domain.SubmitInputs) (domain.DriverOutcome, error) {
	budget := int(paramFloat(in.Params, "max_size_mb", 0) * 1024 * 1024)
	if budget <= 0 {
		return domain.DriverOutcome{Kind: domain.OutcomeFailed, Reason: "invalid size budget"}, nil
	}

	img, format, err := image.Decode(bytes.NewReader(in.Bytes))
	if err != nil {
		return domain.DriverOutcome{Kind: domain.OutcomeFailed, Reason: "input is not a decodable png or jpeg"}, nil
	}

	// An input already inside the budget is re-encoded in place, keeping
	// its format.
	if len(in.Bytes) <= budget {
		data, ct, err := encodeSameFormat(img, format)
		if err != nil {
			return domain.DriverOutcome{}, fmt.Errorf("op=local.downscale: re-encode: %w", err)
		}
		if len(data) <= budget {
			return domain.DriverOutcome{Kind: domain.OutcomeSynchronous, Bytes: data, ContentType: ct}, nil
		}
		// A rare PNG re-encode can come out bigger; fall through to the
		// shrink loop.
	}

	current := img
	for {
		for _, q := range jpegQualityLadder {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, current, &jpeg.Options{Quality: q}); err != nil {
				return domain.DriverOutcome{}, fmt.Errorf("op=local.downscale: jpeg encode: %w", err)
			}
			if buf.Len() <= budget {
				slog.Debug("downscale fit",
					slog.String("job_id", job.ID),
					slog.Int("quality", q),
					slog.Int("width", current.Bounds().Dx()),
					slog.Int("bytes", buf.Len()))
				return domain.DriverOutcome{Kind: domain.OutcomeSynchronous, Bytes: buf.Bytes(), ContentType: "image/jpeg"}, nil
			}
		}
		b := current.Bounds()
		if b.Dx()/2 < minDimension || b.Dy()/2 < minDimension {
			return domain.DriverOutcome{Kind: domain.OutcomeFailed, Reason: "cannot fit size budget"}, nil
		}
		current = halve(current)
	}
}

func (d *LocalDriver) Poll(domain.Context, domain.PollRef) (domain.PollResult, error) {
	return domain.PollResult{}, errors.New("local driver is synchronous")
}

func encodeSameFormat(img image.Image, format string) ([]byte, string, error) {
	var buf bytes.Buffer
	if format == "png" {
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/png", nil
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/jpeg", nil
}

// halve downsamples by nearest neighbor at a fixed 2:1 ratio, which is all
// the budget walk needs.
func halve(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx()/2, b.Dy()/2
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(x, y, src.At(b.Min.X+x*2, b.Min.Y+y*2))
		}
	}
	return dst
}
