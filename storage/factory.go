package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/webapp-instance-provisioning/interfaces"
)

// StoreFactory creates object stores from URI strings and combines several
// into a fallback store.
type StoreFactory struct {
	log *slog.Logger
}

// NewStoreFactory creates a new factory instance.
func NewStoreFactory(logger *slog.Logger) *StoreFactory {
	return &StoreFactory{log: logger}
}

// StoreFor creates an object store from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - s3:// - Amazon S3 or compatible object storage
//   - file:// - Local filesystem directory
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StoreFactory) StoreFor(location string) (interfaces.ObjectStore, error) {
	loc, err := interfaces.NewStoreLocation(location)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "s3":
		return sf.createS3Store(loc)
	case "file":
		return sf.createFileStore(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported object store scheme: %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiStore creates a fallback store from a list of location URIs.
// Invalid URIs are logged and skipped; an error is returned only if none is valid.
func (sf *StoreFactory) CreateMultiStore(locations []string) (interfaces.ObjectStore, error) {
	stores := make([]interfaces.ObjectStore, 0, len(locations))

	for _, uri := range locations {
		store, err := sf.StoreFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create object store",
				"err", err,
				slog.String("locationURI", uri))
			continue
		}
		stores = append(stores, store)
	}

	if len(stores) == 0 {
		return nil, fmt.Errorf("%w: no valid object stores created", interfaces.ErrInvalidLocationURI)
	}
	if len(stores) == 1 {
		return stores[0], nil
	}

	return NewMultiStore(stores, sf.log), nil
}

// createS3Store creates an S3 or S3-compatible object store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix/?region=us-west-2&endpoint=http://minio:9000&path_style=true
func (sf *StoreFactory) createS3Store(loc interfaces.StoreLocation) (interfaces.ObjectStore, error) {
	sf.log.Debug("Creating S3 store", slog.String("bucket", loc.Host))

	opts := S3Options{
		Bucket:    loc.Host,
		Prefix:    strings.TrimPrefix(loc.Path, "/"),
		Region:    loc.GetParam("region"),
		Endpoint:  loc.GetParam("endpoint"),
		PathStyle: loc.GetParamBool("path_style"),
	}

	if loc.Auth != "" {
		user, secret, _ := strings.Cut(loc.Auth, ":")
		opts.AccessKey = user
		opts.SecretKey = secret
	}

	return NewS3Store(opts, sf.log)
}

// createFileStore creates a directory backed store.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StoreFactory) createFileStore(loc interfaces.StoreLocation) (interfaces.ObjectStore, error) {
	sf.log.Debug("Creating file store", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, loc.String())
	}

	return NewFileStore(path, sf.log), nil
}
