/*
Package headersync keeps the canonical header chain in storage in step with
the upstream source.

The Syncer asks the source for its latest block number and streams every
header from the header marker up to it. A header is appended only when its
parent hash names the last stored header. When it does not, the chain was
reorganized upstream: the Syncer moves the last stored block into ommer
storage, its state diff first when one is stored and then its header, and
starts over from the lowered header marker. Repeating this walks back to the
fork point one block at a time.

The state diff pipeline follows the header marker, so every header appended
here is eventually matched by a state diff.
*/
package headersync
