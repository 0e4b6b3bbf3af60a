// Package artifact owns on-disk response artifacts: the atomic writer that
// publishes {baseDir}/{workspace}/responses/{requestId}.json, and the Reaper
// that deletes files once they are provably no longer needed. Deleting an
// artifact never touches the logical request record; status queries stay
// answerable after cleanup.
package artifact
