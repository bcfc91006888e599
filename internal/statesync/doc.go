/*
Package statesync keeps the stored state diffs in step with the stored block
headers.

Two tasks, connected by a bounded channel, make up the pipeline:

	Source -> Syncer -> chan *SyncEvent -> CommitRouter -> Storage

The Syncer reads the state and header markers, streams the state updates of
[state marker, header marker) from the upstream source, normalizes each diff
and forwards it. A full channel blocks the Syncer, which bounds memory when
commits fall behind. After forwarding a block the Syncer asks the
ReorgDetector whether the block hash agrees with the stored header. When it
does not, the Syncer abandons the stream and backs off; the header pipeline
reverts the stale headers in the meantime.

The CommitRouter classifies every event again when it commits it, since
storage may have changed since the Syncer looked. Events whose hash matches
the stored header, or for which no header is stored yet, are appended to the
canonical chain and move the state marker. Events that diverge from the stored
header are kept as ommer records under their block hash and never touch the
markers.

Failures upstream and storage read failures are logged, after which the Syncer
sleeps and starts over. A write that no longer fits storage is skipped. The
pipeline only stops when its context ends, or when the same block has been
skipped more times in a row than the configured limit.
*/
package statesync
