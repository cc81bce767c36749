// Package deadletter keeps records that could not be persisted.
//
// Entries are appended to a local spool of zstd-compressed JSON Lines files.
// Every entry is written as its own zstd frame, so a crash can lose at most
// the entry being written and never corrupts earlier ones. Files rotate at a
// size limit; sealed files are optionally copied to S3.
//
// The file being written carries an ".open" suffix and an advisory lock, so
// a replay run from another process leaves it alone. An open file whose lock
// is free belonged to a process that died, and is sealed on the next
// listing.
//
// Replay reads the spool oldest-first, re-inserts each entry into a store
// and removes files once every entry in them is stored. Entries that fail
// again are written back to the spool.
package deadletter
