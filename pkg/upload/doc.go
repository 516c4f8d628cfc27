// Package upload stores request bodies POSTed to locations with an
// upload_store directive.
//
// Two backends exist:
//
//   - DiskStore writes the body into a directory and completes before
//     Save returns (the response is 201 Created).
//   - S3Store clones the body and uploads it to a bucket from a separate
//     goroutine (the response is 202 Accepted).
//
// Registry maps the directive value to a backend:
//
//	upload_store ./uploads;               # DiskStore
//	upload_store s3://my-bucket/incoming; # S3Store
//
// S3 credentials and region come from the standard AWS_* environment
// variables. AWS_ENDPOINT_URL_S3 points the client at an S3-compatible
// service such as MinIO.
package upload
