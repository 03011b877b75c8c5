// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package evhttp

import "github.com/gogama/evhttp/transaction"

// Doer is the interface that wraps the basic Do method.
//
// Do runs a transaction as a blocking exchange and returns it once it
// reaches a terminal state. Client implements the Doer interface, and
// any other Doer implementation must behave substantially the same as
// Client.Do.
type Doer interface {
	Do(tx Transaction) Transaction
}

// Starter is the interface that groups the blocking Do method with the
// non-blocking DoAsync method.
//
// DoAsync starts a transaction on the process-wide default reactor and
// returns its connection id; the callback fires once when the
// transaction reaches a terminal state.
type Starter interface {
	Doer
	DoAsync(tx Transaction, cb func(Transaction)) string
}

// Get uses the specified Doer to issue a blocking GET to the specified
// URL, using the same conventions as Client.Get.
func Get(d Doer, url string) (*transaction.HTTP, error) {
	tx, err := transaction.New("GET", url)
	if err != nil {
		return nil, err
	}
	d.Do(tx)
	return tx, nil
}

// Head uses the specified Doer to issue a blocking HEAD to the
// specified URL, using the same conventions as Client.Head.
func Head(d Doer, url string) (*transaction.HTTP, error) {
	tx, err := transaction.New("HEAD", url)
	if err != nil {
		return nil, err
	}
	d.Do(tx)
	return tx, nil
}

// Post uses the specified Doer to issue a blocking POST of body to the
// specified URL, using the same conventions as Client.Post.
func Post(d Doer, url, contentType string, body []byte) (*transaction.HTTP, error) {
	tx, err := transaction.New("POST", url)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		if err := tx.SetHeader("Content-Type", contentType); err != nil {
			return nil, err
		}
	}
	if body != nil {
		tx.SetBody(body)
	}
	d.Do(tx)
	return tx, nil
}
