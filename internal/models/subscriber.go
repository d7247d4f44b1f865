package models

import "time"

type Subscriber struct {
	ID        int64     `json:"id"`
	Who       string    `json:"who"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

type SubscribeRequest struct {
	Who string `json:"who"`
	URL string `json:"url"`
}

type SubscribeResponse struct {
	Message    string     `json:"message"`
	Subscriber Subscriber `json:"subscriber"`
}

type UnsubscribeRequest struct {
	Who string `json:"who"`
	URL string `json:"url,omitempty"`
}

type UnsubscribeResponse struct {
	Message string `json:"message"`
	Removed int64  `json:"removed"`
}

type ListSubscribersResponse struct {
	Subscribers []Subscriber `json:"subscribers"`
}
