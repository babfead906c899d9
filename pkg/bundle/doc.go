/*
Package bundle reads the upload formats operators hand the director.

A release bundle is a gzipped tarball with a release.MF YAML descriptor at
the root plus one archive per package (packages/<name>.tgz) and job template
(jobs/<name>.tgz). Ingesting stores each archive in the blobstore and checks
it against the SHA1 its descriptor entry declares.

A stemcell bundle carries stemcell.MF metadata and an opaque image file the
cloud provider consumes by path; the image is never unpacked here.
*/
package bundle
