package queue

import (
	"strings"
)

// VirtualQueueID identifies a virtual queue by the physical queue hosting it and its name.
type VirtualQueueID struct {
	HostURL string
	Name    string
}

func (id VirtualQueueID) String() string {
	return id.HostURL + VirtualQueueSeparator + id.Name
}

// NewVirtualQueueID validates both parts before joining them.
func NewVirtualQueueID(hostURL, name string) (VirtualQueueID, error) {
	if strings.TrimSpace(hostURL) == "" {
		return VirtualQueueID{}, &ConfigurationError{Field: AttributeHostQueueURL, Reason: "host queue url is empty"}
	}
	if strings.Contains(hostURL, VirtualQueueSeparator) {
		return VirtualQueueID{}, &ConfigurationError{
			Field:  AttributeHostQueueURL,
			Reason: "host queue url must not contain " + VirtualQueueSeparator,
		}
	}
	if strings.TrimSpace(name) == "" {
		return VirtualQueueID{}, &ConfigurationError{Field: "QueueName", Reason: "virtual queue name is empty"}
	}
	if strings.Contains(name, VirtualQueueSeparator) {
		return VirtualQueueID{}, &ConfigurationError{
			Field:  "QueueName",
			Reason: "virtual queue name must not contain " + VirtualQueueSeparator,
		}
	}
	return VirtualQueueID{HostURL: hostURL, Name: name}, nil
}

// ParseVirtualQueueURL splits a host#name reference. Physical urls report false.
func ParseVirtualQueueURL(queueURL string) (VirtualQueueID, bool) {
	host, name, found := strings.Cut(queueURL, VirtualQueueSeparator)
	if !found || host == "" || name == "" || strings.Contains(name, VirtualQueueSeparator) {
		return VirtualQueueID{}, false
	}
	return VirtualQueueID{HostURL: host, Name: name}, true
}

func IsVirtualQueueURL(queueURL string) bool {
	_, ok := ParseVirtualQueueURL(queueURL)
	return ok
}
