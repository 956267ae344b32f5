package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
)

// WriteObject 以 <study>/<series>/<instance>.dcm 落盘对象，返回最终路径。
// 隐式 VR 小端与已废弃的显式大端会被规范化为显式 VR 小端。
func (s *fileStore) WriteObject(ctx context.Context, obj Object, transferSyntax, sopClassUID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := Identifier{
		Study:    obj.String(dcm.StudyInstanceUID),
		Series:   obj.String(dcm.SeriesInstanceUID),
		Instance: obj.String(dcm.SOPInstanceUID),
	}
	if id.Series == "" || id.Instance == "" {
		return "", fmt.Errorf("%w: object lacks series or instance uid", ErrInvalidIdentifier)
	}
	if err := id.Validate(); err != nil {
		return "", err
	}

	unlock := s.lockEntry(id.String() + objectExt)
	defer unlock()

	target := s.contentPath(id)
	base := target[:len(target)-len(objectExt)]
	tempName := base + tempExt
	errName := base + errorExt

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create series dir: %w", err)
	}
	if err := os.Remove(errName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("clear error marker: %w", err)
	}

	ts := dcm.NormalizeTransferSyntax(transferSyntax)
	if err := writePart10(tempName, obj, ts, sopClassUID, id.Instance); err != nil {
		s.markWriteFailure(tempName, target, errName, err)
		return "", fmt.Errorf("write %s: %w", id, err)
	}
	if err := os.Rename(tempName, target); err != nil {
		s.markWriteFailure(tempName, target, errName, err)
		return "", fmt.Errorf("commit %s: %w", id, err)
	}
	return target, nil
}

func writePart10(name string, obj Object, ts, sopClassUID, instanceUID string) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	meta := dcm.FileMeta{
		MediaStorageSOPClassUID:    sopClassUID,
		MediaStorageSOPInstanceUID: instanceUID,
		TransferSyntaxUID:          ts,
	}
	err = dcm.WriteFileMeta(f, meta)
	if err == nil {
		err = obj.Encode(f, ts)
	}
	if err == nil {
		err = f.Sync()
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	return err
}

// markWriteFailure 清理 .tmp 与残留的 .dcm，并写入 .err 便于排查。
func (s *fileStore) markWriteFailure(tempName, target, errName string, cause error) {
	os.Remove(tempName)
	os.Remove(target)
	_ = os.WriteFile(errName, []byte(cause.Error()+"\n"), 0o644)
}
