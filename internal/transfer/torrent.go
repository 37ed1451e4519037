package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/sirupsen/logrus"
)

type TorrentConfig struct {
	DataDir string
	// StagingDir receives private copies when several fetches share one torrent.
	StagingDir   string
	PollInterval time.Duration
	TrackerList  []string
	Logger       *logrus.Logger
}

// TorrentExecutor fetches magnet links, downloading only the largest file of the torrent.
// Fetches of the same magnet share one torrent; it is dropped when the last of them ends.
type TorrentExecutor struct {
	cfg    TorrentConfig
	client *torrent.Client
	refs   *torrentRefs
}

func NewTorrentExecutor(cfg TorrentConfig) (*TorrentExecutor, error) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if len(cfg.TrackerList) == 0 {
		cfg.TrackerList = defaultTrackers()
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create torrent data dir: %w", err)
	}

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DataDir
	clientConfig.NoUpload = false
	clientConfig.Seed = false

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}
	cfg.Logger.Infof("torrent executor started, data dir: %s", cfg.DataDir)
	return &TorrentExecutor{cfg: cfg, client: client, refs: newTorrentRefs()}, nil
}

func (e *TorrentExecutor) Close() {
	e.client.Close()
}

func (e *TorrentExecutor) Fetch(ctx context.Context, u *url.URL, onProgress ProgressFunc) (*Result, error) {
	t, err := e.client.AddMagnet(u.String())
	if err != nil {
		return nil, fmt.Errorf("add magnet: %w", err)
	}
	key := t.InfoHash().HexString()
	e.refs.acquire(key)
	for _, tracker := range e.cfg.TrackerList {
		t.AddTrackers([][]string{{tracker}})
	}

	logger := e.cfg.Logger.WithField("torrent", key)
	var localPath string
	abandon := func() {
		_ = e.refs.release(key, func(last bool) error {
			if !last {
				return nil
			}
			t.Drop()
			if localPath != "" {
				if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
					logger.Warnf("remove partial file: %v", err)
				}
			}
			return nil
		})
	}

	select {
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-t.GotInfo():
	}

	var file *torrent.File
	for _, f := range t.Files() {
		if file == nil || f.Length() > file.Length() {
			file = f
		}
	}
	if file == nil {
		abandon()
		return nil, errors.New("torrent has no files")
	}
	localPath = filepath.Join(e.cfg.DataDir, filepath.FromSlash(file.Path()))
	total := file.Length()

	logger.Infof("downloading %s (%d bytes)", file.DisplayPath(), total)
	file.Download()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			abandon()
			return nil, ctx.Err()
		case <-ticker.C:
			completed := file.BytesCompleted()
			if completed > last && onProgress != nil {
				onProgress(completed-last, completed, total)
				last = completed
			}
			if completed >= total {
				return e.complete(key, t, localPath, total)
			}
		}
	}
}

// complete hands the finished file to the last fetch of the torrent; earlier ones get a staged copy.
func (e *TorrentExecutor) complete(key string, t *torrent.Torrent, localPath string, total int64) (*Result, error) {
	var res *Result
	err := e.refs.release(key, func(last bool) error {
		if last {
			t.Drop()
			res = &Result{Path: localPath, ContentLength: total}
			return nil
		}
		path, err := copyToStaging(localPath, e.cfg.StagingDir)
		if err != nil {
			return err
		}
		res = &Result{Path: path, ContentLength: total}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// torrentRefs counts running fetches per infohash.
type torrentRefs struct {
	mu   sync.Mutex
	refs map[string]int
}

func newTorrentRefs() *torrentRefs {
	return &torrentRefs{refs: make(map[string]int)}
}

func (r *torrentRefs) acquire(key string) {
	r.mu.Lock()
	r.refs[key]++
	r.mu.Unlock()
}

// release drops one reference and runs fn with the lock held; last reports whether it was the final one.
func (r *torrentRefs) release(key string, fn func(last bool) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[key]--
	last := r.refs[key] <= 0
	if last {
		delete(r.refs, key)
	}
	return fn(last)
}

func (r *torrentRefs) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[key]
}

func copyToStaging(src, dir string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open torrent file: %w", err)
	}
	defer in.Close()

	f, keep, cleanup, err := createTemp(dir, "torrent-*.part")
	if err != nil {
		return "", err
	}
	defer cleanup()
	if _, err := io.Copy(f, in); err != nil {
		return "", fmt.Errorf("copy torrent file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	keep()
	return f.Name(), nil
}

func defaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
	}
}

var _ Executor = (*TorrentExecutor)(nil)
