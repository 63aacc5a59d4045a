package job

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// ResolveImage turns an image stream tag into a pullable reference.
// With a registry the image lives at <registry>/<namespace>/<istag>;
// without one the tag is used as a local image name.
func ResolveImage(registry, namespace, istag string) (string, error) {
	if istag == "" {
		return "", fmt.Errorf("istag is required")
	}

	ref := istag
	if registry != "" {
		ref = fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(registry, "/"), namespace, istag)
	}

	parsed, err := name.ParseReference(ref, name.WeakValidation)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	if registry == "" {
		// Keep short local names as given so Docker resolves them the same way.
		return ref, nil
	}
	return parsed.Name(), nil
}
