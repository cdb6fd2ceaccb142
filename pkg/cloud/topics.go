package cloud

import "fmt"

// Topic direction segments. The client publishes on the "i" (inbound to
// the relay) topic and subscribes on the "o" (outbound from the relay)
// topic of each device.
const (
	topicPrefix       = "rr/m"
	topicSegPublish   = "i"
	topicSegSubscribe = "o"
)

// PublishTopic is the device topic commands are published to.
func PublishTopic(namespace, clientID, duid string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", topicPrefix, topicSegPublish, namespace, clientID, duid)
}

// SubscribeTopic is the device topic responses and reports arrive on.
func SubscribeTopic(namespace, clientID, duid string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", topicPrefix, topicSegSubscribe, namespace, clientID, duid)
}
