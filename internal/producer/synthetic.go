package producer

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"log/slog"
)

// Synthetic 生成测试画面：色带随帧序号滚动，顶部条纹编码序号，颜色由模型标识决定
type Synthetic struct {
	model   string
	width   int
	height  int
	fps     float64
	tint    color.RGBA
	encoder png.Encoder
}

func NewSynthetic(cfg Config) *Synthetic {
	w, h := cfg.Width, cfg.Height
	if w <= 0 {
		w = 320
	}
	if h <= 0 {
		h = 240
	}
	fps := cfg.MaxFPS
	if fps <= 0 {
		fps = 10
	}
	return &Synthetic{
		model:   cfg.Model,
		width:   w,
		height:  h,
		fps:     fps,
		tint:    modelTint(cfg.Model),
		encoder: png.Encoder{CompressionLevel: png.BestSpeed},
	}
}

func (s *Synthetic) Run(ctx context.Context, emit func([]byte)) error {
	limiter := newLimiter(s.fps)
	slog.Info("synthetic producer started", "model", s.model, "fps", s.fps, "size", fmt.Sprintf("%dx%d", s.width, s.height))

	var seq uint64
	for {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		seq++
		data, err := s.Render(seq)
		if err != nil {
			return fmt.Errorf("render frame %d: %w", seq, err)
		}
		emit(data)
	}
}

// Render 渲染第 seq 帧并编码为 PNG
func (s *Synthetic) Render(seq uint64) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	band := s.width / 8
	if band == 0 {
		band = 1
	}
	offset := int(seq) % s.width

	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			step := uint8(((x + offset) / band) % 8 * 32)
			img.SetRGBA(x, y, color.RGBA{
				R: step/2 + s.tint.R/2,
				G: s.tint.G/2 + uint8(y*255/s.height)/2,
				B: s.tint.B,
				A: 0xff,
			})
		}
	}

	// 顶部 64 格条纹，白=1 黑=0
	cell := s.width / 64
	if cell > 0 {
		for bit := 0; bit < 64; bit++ {
			c := color.RGBA{A: 0xff}
			if seq&(1<<uint(63-bit)) != 0 {
				c = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
			}
			for y := 0; y < cell && y < s.height; y++ {
				for x := bit * cell; x < (bit+1)*cell; x++ {
					img.SetRGBA(x, y, c)
				}
			}
		}
	}

	var buf bytes.Buffer
	if err := s.encoder.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func modelTint(model string) color.RGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(model))
	v := h.Sum32()
	return color.RGBA{R: uint8(v), G: uint8(v >> 8), B: uint8(v >> 16), A: 0xff}
}
