package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/repos"
	"github.com/odooforge/odooforge-backend/internal/types"
	"github.com/odooforge/odooforge-backend/internal/utils"
)

// DeliveryService zips a verified module artifact, uploads the archive to the
// bucket and records a DeliveryPackage with a signed download URL. Download
// URLs are re-signed on read once expired; the archive itself stays put.
type DeliveryService interface {
	Package(ctx context.Context, session *types.BuildSession, artifact *types.ModuleArtifact) (*types.DeliveryPackage, error)
	GetDownload(ctx context.Context, sessionID uuid.UUID) (*types.DeliveryPackage, error)
}

type deliveryService struct {
	log        *logger.Logger
	bucket     BucketService
	packageRpo repos.DeliveryPackageRepo
	urlTTL     time.Duration
}

func NewDeliveryService(log *logger.Logger, bucket BucketService, packageRpo repos.DeliveryPackageRepo) DeliveryService {
	ttlHours := utils.GetEnvAsInt("DELIVERY_URL_TTL_HOURS", 24, log)
	return &deliveryService{
		log:        log.With("service", "DeliveryService"),
		bucket:     bucket,
		packageRpo: packageRpo,
		urlTTL:     time.Duration(ttlHours) * time.Hour,
	}
}

func (s *deliveryService) Package(ctx context.Context, session *types.BuildSession, artifact *types.ModuleArtifact) (*types.DeliveryPackage, error) {
	var files map[string]string
	if err := json.Unmarshal(artifact.Files, &files); err != nil {
		return nil, fmt.Errorf("corrupt artifact files: %w", err)
	}
	archive, err := zipModule(artifact.ModuleName, files)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("deliveries/%s/%s-v%d.zip", session.ID, artifact.ModuleName, artifact.VersionID)
	if err := s.bucket.UploadFile(ctx, key, bytes.NewReader(archive)); err != nil {
		return nil, err
	}
	url, err := s.bucket.SignedURL(key, s.urlTTL)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pkg := &types.DeliveryPackage{
		ID:         uuid.New(),
		SessionID:  session.ID,
		ArtifactID: artifact.ID,
		ObjectKey:  key,
		URL:        url,
		ExpiresAt:  now.Add(s.urlTTL),
		CreatedAt:  now,
	}
	created, err := s.packageRpo.Create(ctx, nil, []*types.DeliveryPackage{pkg})
	if err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("failed to record delivery package")
	}
	s.log.Info("Packaged module for delivery", "sessionID", session.ID, "artifactID", artifact.ID, "key", key)
	return created[0], nil
}

func (s *deliveryService) GetDownload(ctx context.Context, sessionID uuid.UUID) (*types.DeliveryPackage, error) {
	pkg, err := s.packageRpo.GetLatestBySessionID(ctx, nil, sessionID)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, ErrSessionNotFound
	}
	if time.Now().UTC().Before(pkg.ExpiresAt) {
		return pkg, nil
	}
	url, err := s.bucket.SignedURL(pkg.ObjectKey, s.urlTTL)
	if err != nil {
		return nil, err
	}
	expiresAt := time.Now().UTC().Add(s.urlTTL)
	if err := s.packageRpo.UpdateURL(ctx, nil, pkg.ID, url, expiresAt); err != nil {
		return nil, err
	}
	pkg.URL = url
	pkg.ExpiresAt = expiresAt
	return pkg, nil
}

// zipModule writes the module files under a top-level directory named after
// the module, in deterministic path order.
func zipModule(moduleName string, files map[string]string) ([]byte, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, p := range paths {
		w, err := zw.Create(moduleName + "/" + p)
		if err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("zip entry %q: %w", p, err)
		}
		if _, err := w.Write([]byte(files[p])); err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("zip entry %q: %w", p, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
