// Package signedlog replicates a producer-signed, append-only log of opaque
// blocks between untrusted peers.
//
// Only the producer, the holder of an ed25519 secret key, can append. Every
// other party is a replica that knows the producer's public key and fetches
// blocks from whichever peers have them. Nothing a peer sends is believed
// until it has been checked against a signature from the producer.
//
// # Forest
//
// Blocks are leaves of a Merkle forest numbered in flat-tree order (see
// package flattree). The leaf of block i does not hold the block's digest
// directly; it holds
//
//	checkpoint(i) = H(digest(i) || peak_1 || ... || peak_k)
//
// where peak_1..peak_k are the roots covering blocks 0..i-1. The producer
// signs checkpoint(i), so a single signature pins the entire prefix.
//
// A replica fetches a block in one of two ways:
//
//  1. Minimal proof: when some ancestor of the block's leaf is already
//     verified, it asks only for the siblings on the way up to it and
//     recomputes.
//  2. Head migration: when the peer is ahead, it first asks for the peer's
//     head with its signature, checks that the new peaks contain the old
//     ones and moves its own head forward. The block is then fetched with
//     a minimal proof.
//
// # Usage
//
//	id, _ := signedlog.GenerateIdentity()
//	producer, _ := signedlog.New(signedlog.Config{Identity: id})
//	producer.Append([]byte("hello"))
//
//	replica, _ := signedlog.New(signedlog.Config{Identity: id.Public()})
//	signedlog.Pipe(producer, replica)
//	block, err := replica.Get(ctx, 0)
//
// Over a network, one side calls ListenAndServe and the other Dial; any
// io.ReadWriteCloser can be handed to Attach. Through HTTP proxies the
// same protocol runs over WebSockets: SetupRoutes mounts WebSocketHandler
// and a JSON status document, and peers connect with DialWebSocket.
//
// # Storage
//
// Without a Store everything lives in memory. Two stores persist verified
// state across restarts:
//
//	OpenFileStore(dir, FileStoreOptions{Compress: true}) // append-only files, zstd blocks
//	OpenSQLiteStore("file:/var/lib/log.db")              // SQLite in WAL mode
//
// An in-memory SQLite DSN is a separate database per connection; use a
// file.
//
// VerifyStore audits a store offline without trusting any of its contents.
//
// # Limits
//
// A session opens with a handshake that lists every block the sender holds
// as a dense bitfield. With the default 8 MiB frame limit that caps a log
// at about 67 million blocks; beyond that every peer must raise
// Config.MaxFrameSize or it drops the session with ErrProtocol.
package signedlog
