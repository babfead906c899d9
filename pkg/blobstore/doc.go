/*
Package blobstore stores the director's binary artifacts: package source
tarballs, compiled packages, job templates and stemcell images.

Objects are write-once and named by opaque ids; the registry keeps the id
and SHA1 next to each entity. Two drivers exist: Local writes files under a
shared directory, S3 targets a bucket on AWS or any S3-compatible endpoint.
Put computes the SHA1 of the stored bytes so callers can verify uploads
against manifest checksums without a second pass.
*/
package blobstore
