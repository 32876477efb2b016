package synth

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/tbourn/go-prepaid-billing/internal/services"
)

// Local fabricates a short, deterministic MP3-framed payload from the
// request. It is used when SYNTH_URL is unset.
type Local struct{}

// id3 header followed by one MPEG-1 Layer III frame header.
var mp3Preamble = []byte{'I', 'D', '3', 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFB, 0x90, 0x64}

// Synthesize implements services.Synthesizer. Identical requests yield
// identical bytes.
func (Local) Synthesize(ctx context.Context, req services.SynthesisRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%g|%s", req.Locale, req.ReaderID, req.VoiceTier, req.Speed, req.Text)))
	out := make([]byte, 0, len(mp3Preamble)+len(sum))
	out = append(out, mp3Preamble...)
	return append(out, sum[:]...), nil
}
