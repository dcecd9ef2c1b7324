/*
Implementation of an append-only, encrypted, content-addressed tree of typed key/value entries, with user defined summaries for pruned queries.

## Terminology

entry: a (key, value) pair. entries are only ever appended; an entry's offset is its position in the stream, starting at 0

leaf: a node holding a run of entries. level 0

branch: a node holding links to children of one level, along with each child's entry count and summary. a branch's level is one more than its children's

summary: an aggregate over the keys of a leaf, or over the summaries of a branch's children. queries use summaries to skip subtrees that cannot contain matches

tree: an immutable handle to a root link, plus the root's level and count. the empty tree has no root

forest: the tree types (codecs, summarizer, nonce) bound to a block store. every node is read and written through a forest

## Storage

Every node is one block: a small CBOR envelope holding a sealed "index" payload (keys, or child links/counts/summaries) and, for leaves, a sealed "values" payload. Payloads are zstd compressed and then encrypted with XChaCha20-Poly1305, under keys derived from the Secrets and the tree family's Nonce. Index payloads use the IndexKey and value payloads the ValueKey, so a reader with only the IndexKey can run queries without seeing any values.

Encryption uses a synthetic (plaintext-derived) IV, so identical nodes seal to identical bytes and deduplicate in the store.

## Building

A StreamBuilder seals nodes as thresholds are reached (see Config) and never touches a sealed node again. A snapshot additionally needs a "trailing chain" of unsealed nodes: a leaf holding the buffered entries, and branches joining the not-yet-full levels. Only this chain is rewritten between snapshots; everything sealed is shared.

Single-child branches only appear on that trailing chain, where they lift a lower level up to the level of its left siblings.

## Hacking

Node levels and counts are stored redundantly (in the parent, and in the node). Readers check that the two agree, and treat any disagreement as corruption.
*/
package tree
