// Package storage fetches installation artifacts (packaged install scripts,
// health-check assets) from object stores by stable key.
//
// # Location URI Format
//
// Stores are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - s3://bucket-name/prefix/?region=us-west-2
//   - s3://bucket/prefix?endpoint=http://minio:9000&path_style=true
//   - file:///var/lib/webapp/artifacts/
//
// Several URIs may be combined with StoreFactory.CreateMultiStore. The
// resulting MultiStore fetches from the first available store that holds
// the key, which lets an instance fall back to a local mirror when the
// bucket is unreachable.
package storage
