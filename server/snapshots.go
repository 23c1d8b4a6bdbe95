package server

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/doodle/pkg/nn"
	"github.com/cyclopcam/doodle/pkg/sketch"
	"github.com/cyclopcam/doodle/pkg/storage"
	"github.com/cyclopcam/logs"
	"github.com/fogleman/gg"
)

const (
	snapshotRawName        = "raw.png"
	snapshotNormalizedName = "normalized.jpg"
)

// snapshotWriter saves the most recent drawing, with its bounding box drawn on top,
// and the image that was fed to the model. This is for eyeballing the preprocessing.
type snapshotWriter struct {
	log       logs.Log
	store     storage.Store
	keepAll   bool
	maxKeep   int
	wg        sync.WaitGroup
	pruneLock sync.Mutex
}

func newSnapshotWriter(log logs.Log, store storage.Store, keepAll bool, maxKeep int) *snapshotWriter {
	return &snapshotWriter{
		log:     log,
		store:   store,
		keepAll: keepAll,
		maxKeep: maxKeep,
	}
}

// Save writes the snapshots on a background thread.
// rgba is not modified by the caller after this, so we don't copy it.
func (w *snapshotWriter) Save(rgba []byte, width, height int, box nn.Rect, hasStrokes bool, normalized *sketch.Image) {
	prefix := ""
	if w.keepAll {
		prefix = time.Now().UTC().Format("20060102-150405.000000") + "-"
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.saveRaw(prefix+snapshotRawName, rgba, width, height, box, hasStrokes); err != nil {
			w.log.Warnf("Failed to save %v: %v", prefix+snapshotRawName, err)
		}
		if err := w.saveNormalized(prefix+snapshotNormalizedName, normalized); err != nil {
			w.log.Warnf("Failed to save %v: %v", prefix+snapshotNormalizedName, err)
		}
		if w.keepAll && w.maxKeep > 0 {
			if err := w.prune(); err != nil {
				w.log.Warnf("Failed to prune old snapshots: %v", err)
			}
		}
	}()
}

// Wait for pending writes
func (w *snapshotWriter) Wait() {
	w.wg.Wait()
}

func (w *snapshotWriter) saveRaw(name string, rgba []byte, width, height int, box nn.Rect, hasStrokes bool) error {
	img := &image.NRGBA{
		Pix:    rgba,
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}
	dc := gg.NewContextForImage(img)
	if hasStrokes {
		dc.SetRGB(1, 0, 0)
		dc.SetLineWidth(1)
		dc.DrawRectangle(float64(box.X)+0.5, float64(box.Y)+0.5, float64(box.Width-1), float64(box.Height-1))
		dc.Stroke()
	}
	buf := bytes.Buffer{}
	if err := dc.EncodePNG(&buf); err != nil {
		return fmt.Errorf("PNG encode failed: %w", err)
	}
	return w.store.Put(context.Background(), name, "image/png", buf.Bytes())
}

func (w *snapshotWriter) saveNormalized(name string, normalized *sketch.Image) error {
	jpg, err := cimg.Compress(normalized.ToCImageRGB(), cimg.MakeCompressParams(cimg.Sampling444, 95, 0))
	if err != nil {
		return fmt.Errorf("JPEG encode failed: %w", err)
	}
	return w.store.Put(context.Background(), name, "image/jpeg", jpg)
}

// prune deletes all but the newest maxKeep snapshots of each kind.
// Timestamp prefixes make name order the same as age order.
func (w *snapshotWriter) prune() error {
	w.pruneLock.Lock()
	defer w.pruneLock.Unlock()
	ctx := context.Background()
	all, err := w.store.List(ctx, "")
	if err != nil {
		return err
	}
	for _, kind := range []string{snapshotRawName, snapshotNormalizedName} {
		matching := []storage.Blob{}
		for _, b := range all {
			if strings.HasSuffix(b.Name, "-"+kind) {
				matching = append(matching, b)
			}
		}
		n, err := storage.DeleteAllButNewest(ctx, w.store, matching, w.maxKeep)
		if err != nil {
			return err
		}
		if n != 0 {
			w.log.Debugf("Deleted %v old %v snapshots", n, kind)
		}
	}
	return nil
}
