package kekstore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/tenant"
)

// LogFailure records a log whose key could not be migrated.
type LogFailure struct {
	LogName string
	Err     error
}

// ReEncryptResult summarizes one re-encryption run.
type ReEncryptResult struct {
	ActiveVersionID string
	Migrated        []string
	// Current lists logs that were already on the active version.
	Current []string
	Failed  []LogFailure
}

// ProgressFunc receives the completed percentage (0-100) and the log just handled.
type ProgressFunc func(percent int, logName string)

// ReEncryptor migrates per-log data-encryption keys wrapped under older KEK
// versions onto the Active version, one log at a time.
type ReEncryptor struct {
	tc   *tenant.Context
	auth *tenant.Authority
}

func NewReEncryptor(tc *tenant.Context, auth *tenant.Authority) *ReEncryptor {
	return &ReEncryptor{tc: tc, auth: auth}
}

// Run processes logs in name order. Logs already on the Active version are
// skipped, so an interrupted run can simply be repeated. A failing log is
// recorded and does not stop the others. Cancelling ctx stops after the
// current log and returns the partial result with ctx.Err().
func (r *ReEncryptor) Run(ctx context.Context, progress ProgressFunc) (ReEncryptResult, error) {
	if err := r.tc.Validate(); err != nil {
		return ReEncryptResult{}, err
	}
	if progress == nil {
		progress = func(int, string) {}
	}

	active, err := NewStore(r.tc).Active(ctx)
	if err != nil {
		return ReEncryptResult{}, err
	}
	activeKEK, err := r.auth.KEK(active.ID)
	if err != nil {
		return ReEncryptResult{}, interfaces.NewOpError("re-encrypt", active.ID, err)
	}
	defer cryptoutils.Wipe(activeKEK)

	records, err := r.tc.Directory.ListLogKeys(ctx)
	if err != nil {
		return ReEncryptResult{}, interfaces.NewOpError("list log keys", r.tc.TenantID, err)
	}
	slices.SortFunc(records, func(a, b interfaces.LogKeyRecord) int { return strings.Compare(a.LogName, b.LogName) })

	result := ReEncryptResult{ActiveVersionID: active.ID}
	log := r.tc.Logger().With(slog.String("active_version", active.ID))
	progress(0, "")

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		switch {
		case rec.VersionID == active.ID:
			result.Current = append(result.Current, rec.LogName)
		default:
			if err := r.migrate(ctx, rec, active.ID, activeKEK); err != nil {
				log.Warn("Failed to re-encrypt log key", slog.String("log", rec.LogName), slog.String("version", rec.VersionID), "err", err)
				result.Failed = append(result.Failed, LogFailure{LogName: rec.LogName, Err: err})
			} else {
				result.Migrated = append(result.Migrated, rec.LogName)
			}
		}

		progress((i+1)*100/len(records), rec.LogName)
	}
	if len(records) == 0 {
		progress(100, "")
	}

	log.Info("Re-encryption finished",
		slog.Int("migrated", len(result.Migrated)),
		slog.Int("current", len(result.Current)),
		slog.Int("failed", len(result.Failed)))
	return result, nil
}

func (r *ReEncryptor) migrate(ctx context.Context, rec interfaces.LogKeyRecord, activeID string, activeKEK []byte) error {
	oldKEK, err := r.auth.KEK(rec.VersionID)
	if err != nil {
		return err
	}
	defer cryptoutils.Wipe(oldKEK)

	dek, err := r.tc.Crypto.DecryptKEK(rec.WrappedDEK, oldKEK)
	if err != nil {
		return err
	}
	defer cryptoutils.Wipe(dek)

	wrapped, err := r.tc.Crypto.EncryptKEK(dek, activeKEK)
	if err != nil {
		return err
	}

	return r.tc.Directory.PutLogKey(ctx, interfaces.LogKeyRecord{
		LogName:    rec.LogName,
		VersionID:  activeID,
		WrappedDEK: wrapped,
		UpdatedAt:  r.tc.Clock().UTC(),
	})
}

// WrapLogKey generates a data-encryption key for logName, registers it
// wrapped under the Active KEK and returns the plaintext key to the caller.
func WrapLogKey(ctx context.Context, tc *tenant.Context, auth *tenant.Authority, logName string) ([]byte, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	if logName == "" {
		return nil, fmt.Errorf("%w: log name is required", interfaces.ErrValidation)
	}

	active, err := NewStore(tc).Active(ctx)
	if err != nil {
		return nil, err
	}
	kek, err := auth.KEK(active.ID)
	if err != nil {
		return nil, interfaces.NewOpError("wrap log key", logName, err)
	}
	defer cryptoutils.Wipe(kek)

	dek, err := cryptoutils.RandomKey(cryptoutils.KEKSize)
	if err != nil {
		return nil, err
	}
	wrapped, err := tc.Crypto.EncryptKEK(dek, kek)
	if err != nil {
		cryptoutils.Wipe(dek)
		return nil, interfaces.NewOpError("wrap log key", logName, err)
	}

	err = tc.Directory.PutLogKey(ctx, interfaces.LogKeyRecord{
		LogName:    logName,
		VersionID:  active.ID,
		WrappedDEK: wrapped,
		UpdatedAt:  tc.Clock().UTC(),
	})
	if err != nil {
		cryptoutils.Wipe(dek)
		return nil, interfaces.NewOpError("wrap log key", logName, err)
	}
	return dek, nil
}

// UnwrapLogKey opens a log's data-encryption key with whichever KEK version
// wrapped it.
func UnwrapLogKey(tc *tenant.Context, auth *tenant.Authority, rec interfaces.LogKeyRecord) ([]byte, error) {
	kek, err := auth.KEK(rec.VersionID)
	if err != nil {
		return nil, interfaces.NewOpError("unwrap log key", rec.LogName, err)
	}
	defer cryptoutils.Wipe(kek)
	dek, err := tc.Crypto.DecryptKEK(rec.WrappedDEK, kek)
	if err != nil {
		return nil, interfaces.NewOpError("unwrap log key", rec.LogName, err)
	}
	return dek, nil
}
