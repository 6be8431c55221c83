package imagelist

import (
	lru "github.com/hashicorp/golang-lru"
)

// ImageCallback receives the runtime address of an image's mach header and
// the displacement it was mapped with.
type ImageCallback func(header uint64, slide int64)

// ImageInfo is one entry of the loader's bookkeeping array.
type ImageInfo struct {
	LoadAddress uint64
	FilePath    string
}

// AllImageInfos is the loader's own bookkeeping region. It is the only way
// to learn about the loader's image, which the loader never reports through
// its notification callbacks.
type AllImageInfos struct {
	// LoaderImageAddr is the runtime header address of the loader itself.
	LoaderImageAddr uint64
	// LoaderPath is the loader's file system path.
	LoaderPath string
	// Infos lists the images the loader currently tracks.
	Infos []ImageInfo
}

// Loader is the dynamic loader's notification surface, the boundary between
// this package and the platform. Registering the add callback must deliver
// one callback per already-loaded image before returning, then keep
// delivering future loads; this is how the registry is populated.
//
// Callbacks must never panic across this boundary: a failing callback would
// destabilize the loader itself.
type Loader interface {
	RegisterForAddImage(cb ImageCallback)
	RegisterForRemoveImage(cb ImageCallback)

	// SelfImageHeader returns the header address of the image containing
	// this subsystem, so the registry can record its own image.
	SelfImageHeader() uint64

	// AllImageInfos returns the loader's bookkeeping region, or an error if
	// the host cannot expose it.
	AllImageInfos() (*AllImageInfos, error)
}

// PathResolver resolves a best-effort file system path for the image whose
// header is mapped at the given address (the dladdr of the platform).
type PathResolver interface {
	PathForHeader(header uint64) (string, bool)
}

// CachedResolver memoizes successful path resolutions. Resolution walks the
// host's dynamic symbol tables and is the most expensive step of describing
// an image; unload events re-resolve headers the add path already saw.
type CachedResolver struct {
	inner PathResolver
	cache *lru.Cache
}

// NewCachedResolver wraps inner with an LRU cache of the given size.
func NewCachedResolver(inner PathResolver, size int) *CachedResolver {
	cache, err := lru.New(size)
	if err != nil {
		panic(err) // only fails for size <= 0
	}
	return &CachedResolver{inner: inner, cache: cache}
}

// PathForHeader implements PathResolver. Only successful resolutions are
// cached; a header with no name yet may acquire one later.
func (r *CachedResolver) PathForHeader(header uint64) (string, bool) {
	if v, ok := r.cache.Get(header); ok {
		return v.(string), true
	}
	path, ok := r.inner.PathForHeader(header)
	if ok {
		r.cache.Add(header, path)
	}
	return path, ok
}
