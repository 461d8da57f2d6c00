// Package changestream consumes MongoDB change streams with transparent,
// resume-token based recovery.
//
// A Stream wraps a server-side cursor obtained from a CursorSource. Every event
// handed to the caller advances the stream's resume token; when the cursor fails
// with a resumable error the stream reopens it exactly once from that token, so
// the caller observes each event once and in order across reconnects.
//
//	s, err := changestream.Open(ctx, src,
//	    changestream.WithFullDocument(changestream.FullDocumentUpdateLookup),
//	    changestream.WithResumeAfter(saved),
//	)
//	if err != nil {
//	    return err
//	}
//	defer s.Close(context.Background())
//
//	for ev, err := range s.All(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    process(ev)
//	    save(s.ResumeToken())
//	}
//
// An Invalidate event is delivered once and then the stream closes; reopen with
// WithStartAfter to continue past it.
package changestream
