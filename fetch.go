package dlchat

import (
	"context"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const downloadChunk = 32 * 1024

// downloadCorpus fetches url into outputPath, logging progress every few
// megabytes. A partial download is removed.
func downloadCorpus(ctx context.Context, client *http.Client, fs afero.Fs, outputPath, url string, log *zap.Logger) error {
	log = orNop(log)
	if client == nil {
		client = http.DefaultClient
	}
	log.Info("downloading the corpus", zap.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "bad url %s", url)
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to get %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status code %d from %s", resp.StatusCode, url)
	}

	out, err := fs.Create(outputPath)
	if err != nil {
		return ioError("create", outputPath, err)
	}
	pw := &progressWriter{total: resp.ContentLength, log: log}
	_, err = io.CopyBuffer(io.MultiWriter(out, pw), resp.Body, make([]byte, downloadChunk))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fs.Remove(outputPath)
		return ioError("download", outputPath, err)
	}
	log.Info("download complete", zap.String("path", outputPath), zap.String("size", humanize.Bytes(uint64(pw.read))))
	return nil
}

const progressStep = 4 << 20

type progressWriter struct {
	total  int64 // -1 when unknown
	read   int64
	logged int64
	log    *zap.Logger
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.read += int64(len(b))
	if p.read-p.logged >= progressStep {
		p.logged = p.read
		fields := []zap.Field{zap.String("read", humanize.Bytes(uint64(p.read)))}
		if p.total > 0 {
			fields = append(fields, zap.Float64("percent", float64(p.read)/float64(p.total)*100))
		}
		p.log.Info("downloading", fields...)
	}
	return len(b), nil
}
