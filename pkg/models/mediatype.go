// pkg/models/mediatype.go
package models

// OCI / Docker media types for manifests, indexes, configs and layers.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerConfig       = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerLayer        = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	MediaTypeDockerLayerNonDist = "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip"

	MediaTypeOCIManifest     = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeOCIManifestList = "application/vnd.oci.image.index.v1+json"
	MediaTypeOCIConfig       = "application/vnd.oci.image.config.v1+json"
	MediaTypeOCILayer        = "application/vnd.oci.image.layer.v1.tar+gzip"
	MediaTypeOCILayerNonDist = "application/vnd.oci.image.layer.nondistributable.v1.tar+gzip"
)

// ManifestAcceptHeader is sent on every manifest GET so a single request
// negotiates a concrete manifest, a Docker manifest list, or an OCI index.
const ManifestAcceptHeader = MediaTypeDockerManifest + ", " +
	MediaTypeDockerManifestList + ", " +
	MediaTypeOCIManifest + ", " +
	MediaTypeOCIManifestList

// IsManifestList reports whether mediaType identifies a multi-platform
// manifest list / OCI index rather than a concrete image manifest.
func IsManifestList(mediaType string) bool {
	return mediaType == MediaTypeDockerManifestList || mediaType == MediaTypeOCIManifestList
}
