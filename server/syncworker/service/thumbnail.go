package service

import (
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	commonlog "media_shuttle/server/common/log"
)

// Thumbnailer writes a small preview next to synced images. Strictly
// best effort: any failure is logged and the transfer stays complete.
type Thumbnailer struct {
	maxEdge int
}

func NewThumbnailer(maxEdge int) *Thumbnailer {
	if maxEdge <= 0 {
		maxEdge = 320
	}
	return &Thumbnailer{maxEdge: maxEdge}
}

func (t *Thumbnailer) Generate(localPath, contentType string) {
	if !strings.HasPrefix(contentType, "image/") {
		return
	}
	img, err := imaging.Open(localPath)
	if err != nil {
		commonlog.Warnf("event=thumbnail status=decode_failed path=%s error=%v", localPath, err)
		return
	}

	thumb := imaging.Thumbnail(img, t.maxEdge, t.maxEdge, imaging.Lanczos)
	ext := filepath.Ext(localPath)
	thumbPath := strings.TrimSuffix(localPath, ext) + "_thumb.jpg"
	if err := imaging.Save(thumb, thumbPath, imaging.JPEGQuality(85)); err != nil {
		commonlog.Warnf("event=thumbnail status=save_failed path=%s error=%v", thumbPath, err)
		return
	}
	commonlog.Debugf("event=thumbnail status=ok path=%s", thumbPath)
}
