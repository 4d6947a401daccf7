package webhook

import "github.com/stretchr/testify/mock"

// MatchWebhook creates a custom matcher for webhook arguments in mocks
func MatchWebhook(matcher func(Webhook) bool) interface{} {
	return mock.MatchedBy(matcher)
}

// MatchJob creates a custom matcher for queue job arguments in mocks
func MatchJob(matcher func(Job) bool) interface{} {
	return mock.MatchedBy(matcher)
}

// MatchDelivery creates a custom matcher for delivery record arguments in mocks
func MatchDelivery(matcher func(DeliveryRecord) bool) interface{} {
	return mock.MatchedBy(matcher)
}
