package assembler

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/bobarin/storyteller/internal/models"
	"github.com/bobarin/storyteller/internal/storage"
)

// publish uploads the MP4 and the HLS tree. The master playlist goes last so
// it never points at segments that are not there yet. Unreachable uploads
// are logged, not returned.
func (a *Assembler) publish(ctx context.Context, jobID, finalPath, hlsDir string, renditions []rendition) (*models.AssemblyOutput, error) {
	if a.publisher == nil {
		out := &models.AssemblyOutput{
			VideoURL:    finalPath,
			ManifestURL: filepath.Join(hlsDir, masterPlaylist),
		}
		for _, r := range renditions {
			out.RenditionURLs = append(out.RenditionURLs, filepath.Join(hlsDir, r.Name, mediaPlaylist))
		}
		return out, nil
	}

	videoURL, err := a.publisher.Publish(ctx, finalPath, storage.ObjectKey(jobID, "final.mp4"), "video/mp4")
	if err != nil {
		return nil, fmt.Errorf("failed to publish video: %w", err)
	}

	out := &models.AssemblyOutput{VideoURL: videoURL}
	for _, r := range renditions {
		url, err := a.publishRendition(ctx, jobID, hlsDir, r)
		if err != nil {
			return nil, err
		}
		out.RenditionURLs = append(out.RenditionURLs, url)
	}

	masterKey := storage.ObjectKey(jobID, "hls", masterPlaylist)
	out.ManifestURL, err = a.publisher.Publish(ctx, filepath.Join(hlsDir, masterPlaylist), masterKey, storage.ContentTypeFor(masterKey))
	if err != nil {
		return nil, fmt.Errorf("failed to publish manifest: %w", err)
	}

	for _, url := range []string{out.VideoURL, out.ManifestURL} {
		if !a.publisher.Verify(ctx, url) {
			log.Printf("[Assembler] Warning: %v", &models.PublishVerificationWarning{URL: url})
		}
	}
	return out, nil
}

// publishRendition uploads segments in parallel, then the media playlist.
func (a *Assembler) publishRendition(ctx context.Context, jobID, hlsDir string, r rendition) (string, error) {
	dir := filepath.Join(hlsDir, r.Name)
	segments, err := filepath.Glob(filepath.Join(dir, "*.ts"))
	if err != nil {
		return "", err
	}
	sort.Strings(segments)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.UploadConcurrency)
	for _, seg := range segments {
		g.Go(func() error {
			key := storage.ObjectKey(jobID, "hls", r.Name, filepath.Base(seg))
			if _, err := a.publisher.Publish(gctx, seg, key, storage.ContentTypeFor(key)); err != nil {
				return fmt.Errorf("failed to publish %s: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	playlist := filepath.Join(dir, mediaPlaylist)
	if _, err := os.Stat(playlist); err != nil {
		return "", fmt.Errorf("missing playlist for %s: %w", r.Name, err)
	}
	key := storage.ObjectKey(jobID, "hls", r.Name, mediaPlaylist)
	url, err := a.publisher.Publish(ctx, playlist, key, storage.ContentTypeFor(key))
	if err != nil {
		return "", fmt.Errorf("failed to publish %s: %w", key, err)
	}
	log.Printf("[Assembler] Published rendition %s (%d segments)", r.Name, len(segments))
	return url, nil
}
