package queue

const (
	// AttributeHostQueueURL marks a queue as virtual, hosted on the physical queue it names.
	AttributeHostQueueURL = "HostQueueUrl"

	// AttributeIdleQueueRetentionPeriod is advisory and passed through unchanged.
	AttributeIdleQueueRetentionPeriod = "IdleQueueRetentionPeriodSeconds"

	// AttributeResponseQueueURL carries the reply-to address of a request message.
	AttributeResponseQueueURL = "ResponseQueueUrl"

	// AttributeVirtualQueueName routes a message on a host queue to one of its virtual queues.
	AttributeVirtualQueueName = "__AmazonSQSVirtualQueuesClient.QueueName"

	// AllAttributes requests every message attribute on receive.
	AllAttributes = "All"

	// MaxReceiveMessages is the largest batch a single receive returns.
	MaxReceiveMessages = 10

	// MaxVirtualQueues is the default ceiling on live virtual queues per multiplexer.
	MaxVirtualQueues = 1_000_000

	// VirtualQueueSeparator joins a host queue url and a virtual queue name.
	VirtualQueueSeparator = "#"
)
