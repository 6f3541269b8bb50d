// Package media holds the types shared by the content cache and the upload
// pipeline: media kinds, error kinds, cache key derivation, and the small
// validation and formatting helpers both sides use.
package media
