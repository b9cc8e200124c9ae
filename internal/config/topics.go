package config

const (
	// TopicIngestFile is the NSQ topic for queued file ingestions.
	TopicIngestFile = "ingest.file"

	// ChannelIngestWorker is the consumer channel of the ingestion worker.
	ChannelIngestWorker = "docpipe"
)
