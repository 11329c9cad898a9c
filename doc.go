// Package florin is a Telegram chat-bot backend that bridges user
// conversations to a streaming LLM assistant, with paid usage settled from
// per-user credit balances.
//
// The root package implements the ingestion-and-execution pipeline and
// defines the contracts its collaborators implement:
//
//   - [Ledger]: atomic balance mutations with a full audit trail
//   - [FileManager]: canonical file retrieval across exec-cache, Telegram,
//     and the LLM files API
//   - [Normalizer]: turns one inbound update into a [ProcessedMessage]
//     (download, upload, transcribe, context extraction)
//   - [NormalizationTracker], [MediaGroupTracker]: synchronization barriers
//     for the batcher
//   - [ThreadQueue]: per-thread FIFO batching with sibling-message waits
//   - [Limiter], [GenerationTracker]: per-user concurrency control and
//     supersede-on-new-message cancellation
//   - [Executor]: the streaming tool loop with cost accounting
//   - [DisplaySession]: throttled draft rendering with split/truncate rules
//   - [TopicRouter]: stay/resume/new topic classification
//   - [Payments]: star-invoice settlement and refunds
//
// Interfaces consumed by the pipeline ([Store], [Cache], [Frontend],
// [Provider], [Transcriber], [ImageGenerator], [FileAPI]) are implemented
// under store/, frontend/ and provider/. The cmd/florin directory wires a
// complete bot.
package florin
