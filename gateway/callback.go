package gateway

import (
	"sync"
)

// makes a copy of the callbacks on update so that `Get` never
// observes a partially edited list
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks map[Id]T
	ordered   []Id
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[Id]T{},
	}
}

// returns a function to remove the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := NewId()
	self.callbacks[callbackId] = callback
	self.ordered = append(self.ordered, callbackId)

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	nextOrdered := []Id{}
	for _, id := range self.ordered {
		if id != callbackId {
			nextOrdered = append(nextOrdered, id)
		}
	}
	self.ordered = nextOrdered
}

// in add order
func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbacks))
	for _, id := range self.ordered {
		callbacks = append(callbacks, self.callbacks[id])
	}
	return callbacks
}

func (self *CallbackList[T]) Count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}
