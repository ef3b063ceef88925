//go:build !unix

package imageaccess

// OpenMapped falls back to a cached file accessor where mmap is unavailable.
func OpenMapped(path string) (ImageAccess, error) {
	return OpenFile(path)
}
