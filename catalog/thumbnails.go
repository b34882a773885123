/*
	Reefmap
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package catalog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.n16f.net/thumbhash"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// Thumbnail describes a cached derivative image.
type Thumbnail struct {
	Path      string `json:"-"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	ThumbHash []byte `json:"thumb_hash"`

	// signature of the source file the thumbnail was made from
	SourceSize    int64 `json:"source_size"`
	SourceModTime int64 `json:"source_mod_time"` // unix nanoseconds
}

func (t Thumbnail) madeFrom(info fs.FileInfo) bool {
	return t.SourceSize == info.Size() && t.SourceModTime == info.ModTime().UnixNano()
}

// ThumbnailOptions configures a Thumbnailer.
type ThumbnailOptions struct {
	MaxDimension int           // longest edge of a thumbnail; default 400
	MaxPixels    int           // sources with more pixels are refused; default 100 MP
	Quality      int           // JPEG quality; default 85
	Timeout      time.Duration // how long a caller waits for one thumbnail; zero means no limit
	Workers      int           // default NumCPU/3, at least 1
}

// Thumbnailer generates thumbnails on a pool of workers and caches
// them on disk, keyed by filename. A thumbnail is regenerated only
// when it is missing or its source file changed.
type Thumbnailer struct {
	dir  string
	opts ThumbnailOptions
	log  *zap.Logger

	// foreground tasks are taken before background ones; they are
	// for callers waiting on the result to serve a request
	foreground, background chan thumbnailTask
	stop                   chan struct{}
	workers                sync.WaitGroup

	// one generation per filename at a time
	locks *keyedMutex

	generated atomic.Int64
}

type thumbnailTask struct {
	filename string
	source   string
	info     fs.FileInfo
	result   chan<- thumbnailResult // buffered; workers never block on it
}

type thumbnailResult struct {
	thumb Thumbnail
	err   error
}

// NewThumbnailer returns a Thumbnailer that caches into dir and
// starts its workers. Call Close to stop them.
func NewThumbnailer(dir string, opts ThumbnailOptions) (*Thumbnailer, error) {
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = defaultThumbnailDimension
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = defaultMaxPixels
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = defaultThumbnailQuality
	}
	if opts.Workers <= 0 {
		const cpuFraction = 3
		opts.Workers = max(runtime.NumCPU()/cpuFraction, 1)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating thumbnail cache folder: %w", err)
	}

	t := &Thumbnailer{
		dir:        dir,
		opts:       opts,
		log:        Log.Named("thumbnails"),
		foreground: make(chan thumbnailTask),
		background: make(chan thumbnailTask),
		stop:       make(chan struct{}),
		locks:      newKeyedMutex(),
	}
	for range opts.Workers {
		t.workers.Add(1)
		go t.worker()
	}
	return t, nil
}

// Close stops the workers after they finish their current task.
func (t *Thumbnailer) Close() {
	close(t.stop)
	t.workers.Wait()
}

// Generated returns how many thumbnails have been encoded since
// the Thumbnailer was created.
func (t *Thumbnailer) Generated() int64 { return t.generated.Load() }

func (t *Thumbnailer) worker() {
	defer t.workers.Done()
	for {
		select {
		case task := <-t.foreground:
			t.run(task)
		case <-t.stop:
			return
		default:
			select {
			case task := <-t.foreground:
				t.run(task)
			case task := <-t.background:
				t.run(task)
			case <-t.stop:
				return
			}
		}
	}
}

func (t *Thumbnailer) run(task thumbnailTask) {
	thumb, err := t.generate(task)
	task.result <- thumbnailResult{thumb, err}
}

// Path returns where the thumbnail for filename is cached.
func (t *Thumbnailer) Path(filename string) string {
	return filepath.Join(t.dir, filename+thumbnailExt)
}

func (t *Thumbnailer) sidecarPath(filename string) string {
	return t.Path(filename) + ".json"
}

// Ensure makes sure an up-to-date thumbnail of source is cached
// for filename, generating one if needed. Set urgent when a caller
// is waiting on the result to serve a request.
func (t *Thumbnailer) Ensure(ctx context.Context, filename, source string, urgent bool) (Thumbnail, error) {
	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	t.locks.Lock(filename)
	defer t.locks.Unlock(filename)

	info, err := os.Stat(source)
	if err != nil {
		return Thumbnail{}, err
	}
	if cached, ok := t.cached(filename, info); ok {
		return cached, nil
	}

	queue := t.background
	if urgent {
		queue = t.foreground
	}
	result := make(chan thumbnailResult, 1)
	task := thumbnailTask{filename: filename, source: source, info: info, result: result}

	select {
	case queue <- task:
	case <-t.stop:
		return Thumbnail{}, errors.New("thumbnailer is closed")
	case <-ctx.Done():
		return Thumbnail{}, ctx.Err()
	}
	select {
	case res := <-result:
		return res.thumb, res.err
	case <-ctx.Done():
		return Thumbnail{}, fmt.Errorf("generating thumbnail for %s: %w", filename, ctx.Err())
	}
}

// Read returns the thumbnail bytes for filename, generating the
// thumbnail first on a cache miss.
func (t *Thumbnailer) Read(ctx context.Context, filename, source string) ([]byte, Thumbnail, error) {
	thumb, err := t.Ensure(ctx, filename, source, true)
	if err != nil {
		return nil, Thumbnail{}, err
	}
	data, err := os.ReadFile(thumb.Path)
	if err != nil {
		return nil, Thumbnail{}, fmt.Errorf("reading cached thumbnail: %w", err)
	}
	return data, thumb, nil
}

// Remove deletes the cached thumbnail for filename, if any.
func (t *Thumbnailer) Remove(filename string) error {
	t.locks.Lock(filename)
	defer t.locks.Unlock(filename)

	var errs []error
	for _, p := range []string{t.Path(filename), t.sidecarPath(filename)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Thumbnailer) cached(filename string, source fs.FileInfo) (Thumbnail, bool) {
	sidecar, err := os.ReadFile(t.sidecarPath(filename))
	if err != nil {
		return Thumbnail{}, false
	}
	var thumb Thumbnail
	if err := json.Unmarshal(sidecar, &thumb); err != nil {
		return Thumbnail{}, false
	}
	if !thumb.madeFrom(source) {
		return Thumbnail{}, false
	}
	thumb.Path = t.Path(filename)
	if _, err := os.Stat(thumb.Path); err != nil {
		return Thumbnail{}, false
	}
	return thumb, true
}

func (t *Thumbnailer) generate(task thumbnailTask) (Thumbnail, error) {
	file, err := os.Open(task.source)
	if err != nil {
		return Thumbnail{}, err
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return Thumbnail{}, fmt.Errorf("reading image header: %w", err)
	}
	if cfg.Width*cfg.Height > t.opts.MaxPixels {
		return Thumbnail{}, fmt.Errorf("image is %dx%d, which exceeds the limit of %d pixels",
			cfg.Width, cfg.Height, t.opts.MaxPixels)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return Thumbnail{}, err
	}
	src, _, err := image.Decode(file)
	if err != nil {
		return Thumbnail{}, fmt.Errorf("decoding image: %w", err)
	}

	thumbImg := resizeOntoWhite(src, t.opts.MaxDimension)
	thumb := Thumbnail{
		Path:          t.Path(task.filename),
		Width:         thumbImg.Bounds().Dx(),
		Height:        thumbImg.Bounds().Dy(),
		ThumbHash:     encodeThumbHash(thumbImg),
		SourceSize:    task.info.Size(),
		SourceModTime: task.info.ModTime().UnixNano(),
	}

	err = writeFileAtomic(thumb.Path, func(f *os.File) error {
		return jpeg.Encode(f, thumbImg, &jpeg.Options{Quality: t.opts.Quality})
	})
	if err != nil {
		return Thumbnail{}, fmt.Errorf("writing thumbnail: %w", err)
	}
	err = writeFileAtomic(t.sidecarPath(task.filename), func(f *os.File) error {
		return json.NewEncoder(f).Encode(thumb)
	})
	if err != nil {
		return Thumbnail{}, fmt.Errorf("writing thumbnail info: %w", err)
	}

	t.generated.Add(1)
	t.log.Debug("generated thumbnail",
		zap.String("filename", task.filename),
		zap.Int("width", thumb.Width),
		zap.Int("height", thumb.Height))

	return thumb, nil
}

// resizeOntoWhite scales src to fit within maxDimension on its long
// edge (never enlarging) and flattens any transparency onto white.
func resizeOntoWhite(src image.Image, maxDimension int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if longest := max(w, h); longest > maxDimension {
		scale := float64(maxDimension) / float64(longest)
		w = max(int(math.Round(float64(w)*scale)), 1)
		h = max(int(math.Round(float64(h)*scale)), 1)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// encodeThumbHash computes a thumbhash of img, prefixed by the
// exact aspect ratio as a big-endian float32, since a thumbhash
// only preserves it approximately.
func encodeThumbHash(img image.Image) []byte {
	const maxHashDimension = 100
	small := img
	if b := img.Bounds(); b.Dx() > maxHashDimension || b.Dy() > maxHashDimension {
		small = resizeOntoWhite(img, maxHashDimension)
	}
	var aspect [4]byte
	binary.BigEndian.PutUint32(aspect[:], math.Float32bits(float32(img.Bounds().Dx())/float32(img.Bounds().Dy())))
	return append(aspect[:], thumbhash.EncodeImage(small)...)
}

// writeFileAtomic writes to a temporary file next to path and
// renames it into place, so readers never see a partial file.
func writeFileAtomic(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

const (
	thumbnailExt              = ".jpg"
	defaultThumbnailDimension = 400
	defaultThumbnailQuality   = 85
	defaultMaxPixels          = 100_000_000
)
