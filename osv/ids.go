package osv

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/ediaz029/VulGPT/utils"
)

// LoadIDs reads the canonical vulnerability id list, a JSON array of id
// strings. src is either a local path on the given filesystem or an
// http(s) URL, in which case the file is downloaded first. The returned
// list is the authoritative universe of ids for a run: it drives both
// ingestion order and obsolete pruning.
func LoadIDs(ctx context.Context, fs afero.Fs, src string) ([]string, error) {
	var b []byte
	var err error
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		var tmp string
		tmp, err = utils.DownloadToTempFile(ctx, src)
		if err != nil {
			return nil, xerrors.Errorf("failed to download id list %s: %w", src, err)
		}
		defer os.Remove(tmp)
		b, err = os.ReadFile(tmp)
	} else {
		b, err = afero.ReadFile(fs, src)
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to read id list: %w", err)
	}

	var ids []string
	if err = json.Unmarshal(b, &ids); err != nil {
		return nil, xerrors.Errorf("invalid id list: %w", err)
	}
	return ids, nil
}
