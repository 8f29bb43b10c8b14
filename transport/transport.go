/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

// Handler consumes one raw inbound message payload
type Handler func(payload []byte)

// Subscription is a handle on an active subscription
type Subscription interface {
	Unsubscribe() error
}

// Transport is the minimal publish/subscribe surface the mesh sync service
// requires; implementations own connection lifecycle and delivery semantics
type Transport interface {
	Publish(subject string, payload []byte) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close() error
}
