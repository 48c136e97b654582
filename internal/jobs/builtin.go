package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"accession/internal/fileutil"
	"accession/internal/services"
	"accession/internal/staging"
	"accession/internal/status"
)

// Built-in job names.
const (
	VerifyStagingName = "verify-staging"
	WriteManifestName = "write-manifest"
)

// ManifestFile is the name write-manifest creates in the working directory.
const ManifestFile = "manifest.json"

func registerBuiltins(r *Registry, locations *staging.Resolver) error {
	if err := r.Register(VerifyStagingName, func() Job { return &verifyStaging{locations: locations} }); err != nil {
		return err
	}
	return r.Register(WriteManifestName, func() Job { return &writeManifest{locations: locations} })
}

// verifyStaging checks that every staged file resolves to a configured
// location and exists.
type verifyStaging struct {
	locations *staging.Resolver
}

func (j *verifyStaging) Execute(ctx context.Context, jc *Context) error {
	files, err := jc.StagedFiles(ctx)
	if err != nil {
		return services.Wrap(services.ErrTransient, VerifyStagingName, "list staged files", "status store read failed", err)
	}
	if len(files) == 0 {
		return services.Wrap(services.ErrValidation, VerifyStagingName, "list staged files", "deposit has no staged files", nil)
	}
	if err := jc.SetTotal(ctx, int64(len(files))); err != nil {
		return services.Wrap(services.ErrTransient, VerifyStagingName, "set total", "", err)
	}
	for _, ref := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		path, _, err := j.locations.Resolve(ref)
		if err != nil {
			return services.Wrap(services.ErrValidation, VerifyStagingName, "resolve", ref, err)
		}
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return services.Wrap(services.ErrValidation, VerifyStagingName, "stat", "staged file missing: "+path, err)
		case err != nil:
			return services.Wrap(services.ErrTransient, VerifyStagingName, "stat", path, err)
		case info.IsDir():
			return services.Wrap(services.ErrValidation, VerifyStagingName, "stat", "staged path is a directory: "+path, nil)
		}
		if err := jc.AddClicks(ctx, 1); err != nil {
			return services.Wrap(services.ErrTransient, VerifyStagingName, "progress", "", err)
		}
	}
	return nil
}

func (j *verifyStaging) HealthCheck(context.Context) Health {
	if j.locations == nil || len(j.locations.Locations()) == 0 {
		return Unhealthy(VerifyStagingName, "no storage locations configured")
	}
	return Healthy(VerifyStagingName)
}

// writeManifest records a checksummed listing of the staged files in the
// working directory.
type writeManifest struct {
	locations *staging.Resolver
}

type manifest struct {
	DepositID     string          `json:"depositId"`
	Depositor     string          `json:"depositor,omitempty"`
	PackagingType string          `json:"packagingType,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	Files         []manifestEntry `json:"files"`
}

type manifestEntry struct {
	Path     string `json:"path"`
	Location string `json:"location"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

func (j *writeManifest) Execute(ctx context.Context, jc *Context) error {
	if jc.WorkDir == "" {
		return services.Wrap(services.ErrConfiguration, WriteManifestName, "prepare", "deposit has no working directory", nil)
	}
	files, err := jc.StagedFiles(ctx)
	if err != nil {
		return services.Wrap(services.ErrTransient, WriteManifestName, "list staged files", "status store read failed", err)
	}
	sort.Strings(files)
	if err := jc.SetTotal(ctx, int64(len(files))); err != nil {
		return services.Wrap(services.ErrTransient, WriteManifestName, "set total", "", err)
	}

	m := manifest{
		DepositID:     jc.DepositID,
		Depositor:     jc.Deposit[status.FieldDepositor],
		PackagingType: jc.Deposit[status.FieldPackagingType],
		CreatedAt:     time.Now().UTC(),
		Files:         make([]manifestEntry, 0, len(files)),
	}
	for _, ref := range files {
		path, loc, err := j.locations.Resolve(ref)
		if err != nil {
			return services.Wrap(services.ErrValidation, WriteManifestName, "resolve", ref, err)
		}
		entry, err := checksum(ctx, path)
		if err != nil {
			return err
		}
		entry.Location = loc.ID
		m.Files = append(m.Files, entry)
		if err := jc.AddClicks(ctx, 1); err != nil {
			return services.Wrap(services.ErrTransient, WriteManifestName, "progress", "", err)
		}
	}

	if err := os.MkdirAll(jc.WorkDir, 0o755); err != nil {
		return services.Wrap(services.ErrTransient, WriteManifestName, "create work dir", jc.WorkDir, err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrValidation, WriteManifestName, "encode manifest", "", err)
	}
	target := filepath.Join(jc.WorkDir, ManifestFile)
	if err := fileutil.WriteFileAtomic(target, data, 0o644); err != nil {
		return services.Wrap(services.ErrTransient, WriteManifestName, "write manifest", target, err)
	}
	if err := jc.IncrIngested(ctx, int64(len(m.Files))); err != nil {
		return services.Wrap(services.ErrTransient, WriteManifestName, "record ingested", "", err)
	}
	return nil
}

func checksum(ctx context.Context, path string) (manifestEntry, error) {
	if err := ctx.Err(); err != nil {
		return manifestEntry{}, err
	}
	d, err := fileutil.HashFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return manifestEntry{}, services.Wrap(services.ErrValidation, WriteManifestName, "open", "staged file missing: "+path, err)
	}
	if err != nil {
		return manifestEntry{}, services.Wrap(services.ErrTransient, WriteManifestName, "read", path, err)
	}
	return manifestEntry{Path: path, Size: d.Size, SHA256: d.SHA256}, nil
}

func (j *writeManifest) HealthCheck(context.Context) Health {
	return Healthy(WriteManifestName)
}
