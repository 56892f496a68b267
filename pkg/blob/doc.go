// Package blob moves uploaded file bytes to durable storage and hands back the
// URL recorded on the upload. S3Transport targets AWS S3 or any S3-compatible
// service such as MinIO; FilesystemTransport writes below a local directory.
package blob
